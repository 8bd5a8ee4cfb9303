package randomness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const localBucket = "oracle_requests"

type localRequest struct {
	Seed        []byte    `json:"seed"`
	Value       []byte    `json:"value,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// LocalOracle is an in-process oracle for single-node deployments and
// tests. Requests live in their own bucket of a BoltDB file, usually the
// lottery store's, so handles recorded on vaults survive a restart.
//
// Methods open their own Bolt transactions and must not be called from
// inside another transaction on the same database.
type LocalOracle struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewLocalOracle creates a LocalOracle keeping its requests in db.
func NewLocalOracle(db *bbolt.DB) (*LocalOracle, error) {
	if db == nil {
		return nil, errors.New("local oracle needs a database")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(localBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", localBucket, err)
	}
	return &LocalOracle{db: db, now: time.Now}, nil
}

func (o *LocalOracle) Request(ctx context.Context, seed [32]byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := Handle(uuid.NewString())
	req := localRequest{Seed: seed[:], RequestedAt: o.now().UTC()}
	err := o.db.Update(func(tx *bbolt.Tx) error {
		return putRequest(tx, h, &req)
	})
	if err != nil {
		return "", fmt.Errorf("request randomness: %w", err)
	}
	return h, nil
}

func (o *LocalOracle) Poll(ctx context.Context, h Handle) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var req *localRequest
	err := o.db.View(func(tx *bbolt.Tx) error {
		var err error
		req, err = getRequest(tx, h)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("poll %s: %w", h, err)
	}
	if req.Value == nil {
		return nil, false, nil
	}
	return req.Value, true, nil
}

// Pending lists unfulfilled requests, oldest first.
func (o *LocalOracle) Pending(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Request
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(localBucket)).ForEach(func(k, raw []byte) error {
			var req localRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("unmarshal request %s: %w", k, err)
			}
			if req.Value != nil {
				return nil
			}
			r := Request{Handle: Handle(k), RequestedAt: req.RequestedAt}
			copy(r.Seed[:], req.Seed)
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// Fulfill resolves a request. A request is fulfilled at most once.
func (o *LocalOracle) Fulfill(ctx context.Context, h Handle, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("fulfill %s: empty value", h)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		req, err := getRequest(tx, h)
		if err != nil {
			return fmt.Errorf("fulfill %s: %w", h, err)
		}
		if req.Value != nil {
			return fmt.Errorf("fulfill %s: already fulfilled", h)
		}
		req.Value = append([]byte(nil), value...)
		return putRequest(tx, h, req)
	})
}

func getRequest(tx *bbolt.Tx, h Handle) (*localRequest, error) {
	raw := tx.Bucket([]byte(localBucket)).Get([]byte(h))
	if raw == nil {
		return nil, ErrUnknownHandle
	}
	var req localRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return &req, nil
}

func putRequest(tx *bbolt.Tx, h Handle, req *localRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return tx.Bucket([]byte(localBucket)).Put([]byte(h), payload)
}
