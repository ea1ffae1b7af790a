package cluster

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path"
)

// Record is a delivered chat message as persisted in the log file, one
// JSON object per line.
type Record struct {
	SeqNo    SeqNo   `json:"seq_no"`
	Term     Term    `json:"term"`
	SenderId NodeId  `json:"sender_id"`
	MsgId    string  `json:"msg_id"`
	RoomId   string  `json:"room_id"`
	Text     string  `json:"text"`
	Ts       float64 `json:"ts"`
}

// MessageLog is the append-only store for delivered messages. Appends
// are flushed to disk before they return; reads scan the file from the
// start. The log is only ever written from the delivery path.
type MessageLog struct {
	filePath string
	file     *os.File

	lastSeq SeqNo
}

func NewMessageLog(dirPath string, id NodeId) *MessageLog {
	fileName := fmt.Sprintf("node_%d_messages.jsonl", id)

	return &MessageLog{
		filePath: path.Join(dirPath, fileName),
	}
}

func (l *MessageLog) FilePath() string {
	return l.filePath
}

func (l *MessageLog) Open() error {
	if err := os.MkdirAll(path.Dir(l.filePath), 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w",
			path.Dir(l.filePath), err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	file, err := os.OpenFile(l.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", l.filePath, err)
	}

	l.file = file

	lastSeq, err := l.scanLastSeq()
	if err != nil {
		file.Close()
		l.file = nil

		return err
	}

	l.lastSeq = lastSeq

	return nil
}

func (l *MessageLog) Close() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// LastSeq returns the highest sequence number observed in the log, or
// zero if the log is empty. Only valid after Open.
func (l *MessageLog) LastSeq() SeqNo {
	return l.lastSeq
}

func (l *MessageLog) Append(record Record) error {
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("cannot encode record: %w", err)
	}

	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("cannot write to %q: %w", l.filePath, err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", l.filePath, err)
	}

	if record.SeqNo > l.lastSeq {
		l.lastSeq = record.SeqNo
	}

	return nil
}

// LoadAll streams every record in file order.
func (l *MessageLog) LoadAll() ([]Record, error) {
	var records []Record

	err := l.scan(func(record Record) {
		records = append(records, record)
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// RecordsAfter yields records with a sequence number strictly greater
// than seq, in ascending order. Records land in the file in delivery
// order, which is ascending sequence order.
func (l *MessageLog) RecordsAfter(seq SeqNo) ([]Record, error) {
	var records []Record

	err := l.scan(func(record Record) {
		if record.SeqNo > seq {
			records = append(records, record)
		}
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func (l *MessageLog) scanLastSeq() (SeqNo, error) {
	var lastSeq SeqNo

	err := l.scan(func(record Record) {
		if record.SeqNo > lastSeq {
			lastSeq = record.SeqNo
		}
	})
	if err != nil {
		return 0, err
	}

	return lastSeq, nil
}

func (l *MessageLog) scan(fn func(Record)) error {
	file, err := os.Open(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("cannot open %q: %w", l.filePath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("cannot decode record at %s:%d: %w",
				l.filePath, lineNo, err)
		}

		fn(record)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cannot read %q: %w", l.filePath, err)
	}

	return nil
}
