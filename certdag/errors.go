package certdag

import "github.com/pkg/errors"

// Protocol-validation errors. They are expected, recoverable conditions
// arising from network reordering or partial ancestry: the RPC layer answers
// with an RPCError instead of a vote/ack and the remote broadcaster retries.
var (
	// ErrInvalidParent marks a parent certificate that failed verification.
	ErrInvalidParent = errors.New("invalid parent certificate")

	// ErrMissingParents marks a node whose declared parents are not in the
	// DAG (or whose parent round has already been pruned). Fetching the
	// missing ancestry is the job of a separate fetcher, not this core.
	ErrMissingParents = errors.New("missing parents")

	// ErrNotEnoughParents marks a proposal attempt before the previous round
	// holds a quorum of certified nodes.
	ErrNotEnoughParents = errors.New("not enough parents")

	// ErrNodeExists is reported by the DAG for duplicate insertions.
	// Admission treats it as success.
	ErrNodeExists = errors.New("node already exists")
)
