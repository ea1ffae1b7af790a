package cluster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeMsgRoundTrips(t *testing.T) {
	leaderId := NodeId(3)

	msgs := []Msg{
		&JoinMsg{
			Header: Header{Type: MsgTypeJoin, SenderId: 1},
			Peer:   peer(1),
		},
		&JoinAckMsg{
			Header:   Header{Type: MsgTypeJoinAck, SenderId: 2, Term: 4},
			Peers:    []PeerInfo{peer(1), peer(2), peer(3)},
			LeaderId: &leaderId,
		},
		&HeartbeatMsg{
			Header: Header{Type: MsgTypeHeartbeat, SenderId: 3, Term: 4},
		},
		&ElectionMsg{
			Header: Header{Type: MsgTypeElection, SenderId: 1, Term: 5},
		},
		&ElectionOkMsg{
			Header: Header{Type: MsgTypeElectionOk, SenderId: 2, Term: 5},
		},
		&CoordinatorMsg{
			Header: Header{Type: MsgTypeCoordinator, SenderId: 3, Term: 5},
			Leader: peer(3),
		},
		&ChatMsg{
			Header:  Header{Type: MsgTypeChat, SenderId: 1, MsgId: "m1", RoomId: "general"},
			Payload: "hello",
		},
		&SeqChatMsg{
			Header:         Header{Type: MsgTypeSeqChat, SenderId: 3, Term: 4, MsgId: "m1", RoomId: "general"},
			SeqNo:          7,
			Payload:        "hello",
			OriginSenderId: 1,
		},
		&CatchupReqMsg{
			Header:   Header{Type: MsgTypeCatchupReq, SenderId: 1, Term: 4},
			SinceSeq: 5,
		},
		&CatchupRespMsg{
			Header: Header{Type: MsgTypeCatchupResp, SenderId: 3, Term: 4},
			Records: []Record{
				{SeqNo: 6, Term: 4, SenderId: 1, MsgId: "m6", RoomId: "general", Text: "x"},
			},
		},
	}

	for _, msg := range msgs {
		t.Run(msg.GetType(), func(t *testing.T) {
			data, err := EncodeMsg(msg)
			require.NoError(t, err)

			decoded, err := DecodeMsg(data)
			require.NoError(t, err)

			require.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeMsgWireFormat(t *testing.T) {
	// Field names are part of the external contract.
	data := []byte(`{"type":"SEQ_CHAT","sender_id":3,"term":2,` +
		`"msg_id":"abc","room_id":"general","seq_no":9,` +
		`"payload":"hi","origin_sender_id":1}`)

	msg, err := DecodeMsg(data)
	require.NoError(t, err)

	seqChat, ok := msg.(*SeqChatMsg)
	require.True(t, ok)

	require.Equal(t, NodeId(3), seqChat.SenderId)
	require.Equal(t, Term(2), seqChat.Term)
	require.Equal(t, SeqNo(9), seqChat.SeqNo)
	require.Equal(t, "hi", seqChat.Payload)
	require.Equal(t, NodeId(1), seqChat.OriginSenderId)
}

func TestDecodeMsgErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "garbage"},
		{"unknown type", `{"type":"BOGUS","sender_id":1,"term":0}`},
		{"missing type", `{"sender_id":1,"term":0}`},
		{"join without peer", `{"type":"JOIN","sender_id":1,"term":0}`},
		{"coordinator without leader", `{"type":"COORDINATOR","sender_id":3,"term":2}`},
		{"seq chat without seq", `{"type":"SEQ_CHAT","sender_id":3,"term":2,"payload":"x"}`},
		{"heartbeat without sender", `{"type":"HEARTBEAT","term":2}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeMsg([]byte(test.data))
			require.Error(t, err)
		})
	}
}

func TestEncodeMsgSingleLine(t *testing.T) {
	data, err := EncodeMsg(&ChatMsg{
		Header:  Header{Type: MsgTypeChat, SenderId: 1},
		Payload: "two\nlines",
	})
	require.NoError(t, err)

	// encoding/json escapes the newline, keeping one frame per line.
	require.False(t, strings.ContainsRune(string(data), '\n'))
}
