package certdag

import "reflect"

const (
	NodeMsgTag uint8 = iota
	VoteTag
	CertifiedNodeTag
	CertifiedAckTag
	CertifiedNodeRequestTag
	RPCErrorTag
)

var nodeMsg NodeMsg
var vote Vote
var certifiedNodeMsg CertifiedNodeMsg
var certifiedAck CertifiedAck
var certifiedNodeRequest CertifiedNodeRequest
var rpcError RPCError

var reflectedTypesMap = map[uint8]reflect.Type{
	NodeMsgTag:              reflect.TypeOf(nodeMsg),
	VoteTag:                 reflect.TypeOf(vote),
	CertifiedNodeTag:        reflect.TypeOf(certifiedNodeMsg),
	CertifiedAckTag:         reflect.TypeOf(certifiedAck),
	CertifiedNodeRequestTag: reflect.TypeOf(certifiedNodeRequest),
	RPCErrorTag:             reflect.TypeOf(rpcError),
}

// requestTypesMap marks the envelopes that expect a response frame: node
// proposals are answered with votes, certified nodes and certified-node
// requests with acks and nodes respectively.
var requestTypesMap = map[uint8]bool{
	NodeMsgTag:              true,
	CertifiedNodeTag:        true,
	CertifiedNodeRequestTag: true,
}
