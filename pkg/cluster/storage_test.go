package cluster

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageLogEmpty(t *testing.T) {
	msgLog := NewMessageLog(t.TempDir(), 1)

	require.NoError(t, msgLog.Open())
	defer msgLog.Close()

	require.Equal(t, SeqNo(0), msgLog.LastSeq())

	records, err := msgLog.LoadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMessageLogAppendAndRecover(t *testing.T) {
	dirPath := t.TempDir()

	msgLog := NewMessageLog(dirPath, 7)
	require.NoError(t, msgLog.Open())

	for seq := SeqNo(1); seq <= 5; seq++ {
		err := msgLog.Append(Record{
			SeqNo:    seq,
			Term:     1,
			SenderId: 2,
			MsgId:    fmt.Sprintf("m-%d", seq),
			RoomId:   DefaultRoomId,
			Text:     fmt.Sprintf("text %d", seq),
			Ts:       1000.5,
		})
		require.NoError(t, err)
	}

	require.Equal(t, SeqNo(5), msgLog.LastSeq())
	msgLog.Close()

	// A fresh open recovers the high-water mark from the file.
	reopened := NewMessageLog(dirPath, 7)
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	require.Equal(t, SeqNo(5), reopened.LastSeq())

	records, err := reopened.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)

	for i, record := range records {
		require.Equal(t, SeqNo(i+1), record.SeqNo)
	}
}

func TestMessageLogFileName(t *testing.T) {
	dirPath := t.TempDir()

	msgLog := NewMessageLog(dirPath, 42)
	require.NoError(t, msgLog.Open())
	defer msgLog.Close()

	require.Equal(t, path.Join(dirPath, "node_42_messages.jsonl"),
		msgLog.FilePath())

	require.NoError(t, msgLog.Append(Record{SeqNo: 1, Term: 1}))

	_, err := os.Stat(path.Join(dirPath, "node_42_messages.jsonl"))
	require.NoError(t, err)
}

func TestMessageLogRecordsAfter(t *testing.T) {
	msgLog := NewMessageLog(t.TempDir(), 1)
	require.NoError(t, msgLog.Open())
	defer msgLog.Close()

	for seq := SeqNo(1); seq <= 10; seq++ {
		require.NoError(t, msgLog.Append(Record{SeqNo: seq, Term: 1}))
	}

	t.Run("suffix", func(t *testing.T) {
		records, err := msgLog.RecordsAfter(5)
		require.NoError(t, err)
		require.Len(t, records, 5)

		for i, record := range records {
			require.Equal(t, SeqNo(i+6), record.SeqNo)
		}
	})

	t.Run("everything", func(t *testing.T) {
		records, err := msgLog.RecordsAfter(0)
		require.NoError(t, err)
		require.Len(t, records, 10)
	})

	t.Run("nothing", func(t *testing.T) {
		records, err := msgLog.RecordsAfter(10)
		require.NoError(t, err)
		require.Empty(t, records)
	})
}

func TestMessageLogCorruptRecord(t *testing.T) {
	dirPath := t.TempDir()

	filePath := path.Join(dirPath, "node_1_messages.jsonl")
	err := os.WriteFile(filePath,
		[]byte("{\"seq_no\":1,\"term\":1}\nnot json\n"), 0600)
	require.NoError(t, err)

	msgLog := NewMessageLog(dirPath, 1)
	require.Error(t, msgLog.Open())
}
