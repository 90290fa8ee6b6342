package conn

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	personLabel = iota
	addressLabel
	queryLabel
	answerLabel
)

type Person struct {
	Name string
	Age  int
}

type Address struct {
	Province string
	Town     string
	Code     int
}

type Query struct {
	Key string
}

type Answer struct {
	Key   string
	Value string
}

func testTypesMaps() (map[uint8]reflect.Type, map[uint8]bool) {
	var p Person
	var addr Address
	var q Query
	var a Answer
	reflectedTypesMap := map[uint8]reflect.Type{
		personLabel:  reflect.TypeOf(p),
		addressLabel: reflect.TypeOf(addr),
		queryLabel:   reflect.TypeOf(q),
		answerLabel:  reflect.TypeOf(a),
	}
	requestTypesMap := map[uint8]bool{
		queryLabel: true,
	}
	return reflectedTypesMap, requestTypesMap
}

// TestSimpleComm tests if node1 (addr1, client) can connect to node2 (addr2, server) correctly
// And if node1 can send a one-way message of type 'Person' to node2
func TestSimpleComm(t *testing.T) {
	reflectedTypesMap, requestTypesMap := testTypesMaps()

	person := Person{Name: "seafooler", Age: 18}

	addr1 := "127.0.0.1:8888"
	tran1, err := NewTCPTransport(addr1, 2*time.Second, nil, 1, reflectedTypesMap, requestTypesMap)
	require.NoError(t, err)
	defer tran1.Close()

	received := make(chan Person, 1)
	go func() {
		msgWithSig := <-tran1.msgCh
		receivedPerson, ok := msgWithSig.Msg.(Person)
		if !ok {
			t.Error("received msg is not of type: Person")
			return
		}
		received <- receivedPerson
	}()

	addr2 := "127.0.0.1:9999"
	tran2, err := NewTCPTransport(addr2, 2*time.Second, nil, 1, reflectedTypesMap, requestTypesMap)
	require.NoError(t, err)
	defer tran2.Close()

	conn, err := tran2.GetConn(addr1)
	require.NoError(t, err)

	require.NoError(t, SendMsg(conn, personLabel, &person, nil))

	select {
	case receivedPerson := <-received:
		require.Equal(t, person, receivedPerson)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the message")
	}
}

// TestRequestResponse tests if a request sent by DoRequest is answered with
// the response written back on the same connection.
func TestRequestResponse(t *testing.T) {
	reflectedTypesMap, requestTypesMap := testTypesMaps()

	addr1 := "127.0.0.1:8889"
	tran1, err := NewTCPTransport(addr1, 2*time.Second, nil, 1, reflectedTypesMap, requestTypesMap)
	require.NoError(t, err)
	defer tran1.Close()

	// Answer inbound queries
	go func() {
		for rpc := range tran1.RPCChan() {
			query, ok := rpc.Msg.(Query)
			if !ok {
				t.Error("received msg is not of type: Query")
				return
			}
			rpc.RespChan <- RPCResponse{
				Tag: answerLabel,
				Msg: &Answer{Key: query.Key, Value: "town"},
			}
		}
	}()

	addr2 := "127.0.0.1:9998"
	tran2, err := NewTCPTransport(addr2, 2*time.Second, nil, 1, reflectedTypesMap, requestTypesMap)
	require.NoError(t, err)
	defer tran2.Close()

	respTag, resp, _, err := tran2.DoRequest(addr1, queryLabel, &Query{Key: "province"}, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint8(answerLabel), respTag)
	answer, ok := resp.(Answer)
	require.True(t, ok)
	require.Equal(t, "province", answer.Key)
	require.Equal(t, "town", answer.Value)

	// a pooled connection must be reusable for a second exchange
	respTag, resp, _, err = tran2.DoRequest(addr1, queryLabel, &Query{Key: "code"}, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint8(answerLabel), respTag)
	answer = resp.(Answer)
	require.Equal(t, "code", answer.Key)
}
