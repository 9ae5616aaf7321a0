package backend

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/storage"
)

const CheckpointFileName = "heaps.snappy"

type checkpointRow struct {
	Page int32  `json:"page"`
	Slot int32  `json:"slot"`
	Data []byte `json:"data"`
}

type checkpointHeap struct {
	Oid  common.ObjectID `json:"oid"`
	Rows []checkpointRow `json:"rows"`
}

type checkpointState struct {
	Heaps []checkpointHeap `json:"heaps"`
}

// WriteCheckpoint writes the rows of every heap to w as snappy-framed JSON.
func (b *Backend) WriteCheckpoint(w io.Writer) error {
	var state checkpointState
	for _, table := range b.catalog.AllTables() {
		heap, ok := b.heaps.Load(table.Oid)
		if !ok {
			continue
		}
		ch := checkpointHeap{Oid: table.Oid, Rows: make([]checkpointRow, 0, heap.Len())}
		heap.Scan(func(rid common.RecordID, row []byte) bool {
			ch.Rows = append(ch.Rows, checkpointRow{Page: rid.PageNum, Slot: rid.Slot, Data: row})
			return true
		})
		state.Heaps = append(state.Heaps, ch)
	}

	sw := snappy.NewBufferedWriter(w)
	if err := json.NewEncoder(sw).Encode(&state); err != nil {
		_ = sw.Close()
		return errors.Wrap(err, "encoding checkpoint")
	}
	return sw.Close()
}

// ReadCheckpoint loads rows written by WriteCheckpoint into the (empty) heaps and rebuilds their indexes.
func (b *Backend) ReadCheckpoint(r io.Reader) error {
	var state checkpointState
	if err := json.NewDecoder(snappy.NewReader(r)).Decode(&state); err != nil {
		return errors.Wrap(err, "decoding checkpoint")
	}
	for _, ch := range state.Heaps {
		rel, err := b.relationData(ch.Oid)
		if err != nil {
			return errors.Wrapf(err, "checkpoint heap %d", ch.Oid)
		}
		if rel.Heap.Len() != 0 {
			return errors.Newf("checkpoint heap %d: relation %q is not empty", ch.Oid, rel.Name)
		}
		for _, row := range ch.Rows {
			rid := common.RecordID{PageID: common.PageID{Oid: ch.Oid, PageNum: row.Page}, Slot: row.Slot}
			rel.Heap.Restore(rid, row.Data)
			tup := storage.NewHeapTuple(rel.Oid, rid, row.Data)
			for _, idx := range rel.Indexes {
				if err := idx.InsertEntry(idx.Metadata().BuildKey(rel.Desc, tup), rid, nil); err != nil {
					return errors.Wrapf(err, "checkpoint heap %d", ch.Oid)
				}
			}
		}
	}
	return nil
}

// SaveCheckpoint writes a checkpoint file into dir, replacing the previous one atomically.
func (b *Backend) SaveCheckpoint(dir string) error {
	tmpPath := filepath.Join(dir, CheckpointFileName+".tmp")
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := b.WriteCheckpoint(file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dir, CheckpointFileName))
}

// LoadCheckpoint reads the checkpoint file in dir, if there is one.
func (b *Backend) LoadCheckpoint(dir string) error {
	file, err := os.Open(filepath.Join(dir, CheckpointFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	return b.ReadCheckpoint(file)
}

