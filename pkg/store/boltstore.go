package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns       = []byte("runs")
	bucketIterations = []byte("iterations")
	bucketSamples    = []byte("cpu_samples")
)

// BoltStore implements Store on top of a single bbolt file, one bucket per
// entity, JSON-marshaled values — the same shape cuemby-warren's BoltStore
// uses for its node/service/container buckets.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) cardamon.db under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cardamon.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketIterations, bucketSamples} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateRun(r *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*Run, error) {
	var r Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("store: run not found: %s", id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) UpdateRun(r *Run) error { return s.CreateRun(r) }

func (s *BoltStore) ListRuns() ([]*Run, error) {
	var out []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

func iterationKey(runID, scenario string, count int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%08d", runID, scenario, count))
}

func (s *BoltStore) CreateIteration(it *Iteration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIterations)
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		return b.Put(iterationKey(it.RunID, it.Scenario, it.Count), data)
	})
}

func (s *BoltStore) UpdateIteration(it *Iteration) error { return s.CreateIteration(it) }

func (s *BoltStore) GetIteration(runID, scenario string, count int) (*Iteration, error) {
	var it Iteration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIterations).Get(iterationKey(runID, scenario, count))
		if data == nil {
			return fmt.Errorf("store: iteration not found: %s/%s/%d", runID, scenario, count)
		}
		return json.Unmarshal(data, &it)
	})
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *BoltStore) ListIterations(runID string) ([]*Iteration, error) {
	var out []*Iteration
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIterations).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var it Iteration
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			out = append(out, &it)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) AppendCpuSamples(samples []CpuSampleRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		for _, rec := range samples {
			key := sampleKey(rec)
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// SamplesInWindow returns samples for runID whose timestamp falls in the
// CLOSED interval [start, stop] — per the module's iteration-membership
// design decision, no half-open variant is offered.
func (s *BoltStore) SamplesInWindow(runID string, start, stop time.Time) ([]CpuSampleRecord, error) {
	var out []CpuSampleRecord
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec CpuSampleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Timestamp.Before(start) && !rec.Timestamp.After(stop) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// sampleKey is runID/<fixed-width UTC nanosecond timestamp>/<pid-or-container>
// so a cursor range-scan by runID prefix returns samples in chronological order,
// and two targets observed in the same tick (same runID, same timestamp)
// still get distinct keys instead of overwriting one another.
func sampleKey(rec CpuSampleRecord) []byte {
	ident := rec.Container
	if ident == "" {
		ident = strconv.Itoa(rec.Pid)
	}
	return []byte(fmt.Sprintf("%s/%s/%s", rec.RunID, rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), ident))
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
