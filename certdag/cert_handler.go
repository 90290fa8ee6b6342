package certdag

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// CertifiedNodeHandler is the DAG-admission side: it accepts a node together
// with its quorum certificate and inserts it into the shared DAG once all
// declared parents are present.
type CertifiedNodeHandler struct {
	name   string
	dag    *Dag
	logger hclog.Logger
}

func NewCertifiedNodeHandler(name string, dag *Dag, logger hclog.Logger) *CertifiedNodeHandler {
	return &CertifiedNodeHandler{
		name:   name,
		dag:    dag,
		logger: logger.Named("cert-handler"),
	}
}

// Process admits the certified node and returns an ack. Admission is
// idempotent: a node that already exists is acked without mutation.
//
// The existence check and the insertion run under separate lock
// acquisitions, so two concurrent admissions of the same node may both pass
// the check and race on the write; AddNode is duplicate-tolerant, which
// keeps the inserted-at-most-once invariant.
func (h *CertifiedNodeHandler) Process(cn *CertifiedNode) (*CertifiedAck, error) {
	ack := &CertifiedAck{
		Epoch: h.dag.Epoch(),
		Id:    cn.Cert.Meta.Id(),
		Acker: h.name,
	}
	if h.dag.Exists(&cn.Cert.Meta) {
		return ack, nil
	}
	if !h.dag.AllExists(cn.Node.Parents) {
		return nil, errors.Wrapf(ErrMissingParents, "round %d, author %s",
			cn.Cert.Meta.Round, cn.Cert.Meta.Author)
	}
	if err := h.dag.AddNode(cn); err != nil {
		if errors.Is(err, ErrNodeExists) {
			// lost the race against a concurrent admission
			return ack, nil
		}
		return nil, err
	}
	h.logger.Debug("admitted a certified node", "round", cn.Cert.Meta.Round, "author", cn.Cert.Meta.Author)
	return ack, nil
}
