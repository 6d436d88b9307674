package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/types"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketAllocations = []byte("allocations")
)

// BoltStore implements Store using bbolt. The reservation compare-and-
// set and the allocation linkage each run inside a single db.Update
// transaction, which is what makes them atomic across goroutines and
// across processes sharing the file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the conductor database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ferro.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketAllocations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// getNodeTx resolves a node by UUID or name within a transaction.
func getNodeTx(tx *bolt.Tx, ident string) (*types.Node, error) {
	b := tx.Bucket(bucketNodes)
	if data := b.Get([]byte(ident)); data != nil {
		var node types.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		return &node, nil
	}
	var found *types.Node
	err := b.ForEach(func(k, v []byte) error {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		if node.Name == ident && node.Name != "" {
			found = &node
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &ferroerr.NodeNotFound{Node: ident}
	}
	return found, nil
}

func putNodeTx(tx *bolt.Tx, node *types.Node) error {
	node.UpdatedAt = time.Now()
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNodes).Put([]byte(node.UUID), data)
}

// Node operations

func (s *BoltStore) CreateNode(ctx context.Context, node *types.Node) error {
	if node.UUID == "" {
		node.UUID = uuid.New().String()
	}
	if node.ID == "" {
		node.ID = node.UUID
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putNodeTx(tx, node)
	})
}

func (s *BoltStore) GetNode(ctx context.Context, ident string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getNodeTx(tx, ident)
		return err
	})
	return node, err
}

func (s *BoltStore) ListNodes(ctx context.Context, filter Filter) ([]*types.Node, error) {
	uuidSet := map[string]bool{}
	for _, u := range filter.UUIDIn {
		uuidSet[u] = true
	}

	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if filter.ResourceClass != "" && node.ResourceClass != filter.ResourceClass {
				return nil
			}
			if filter.ProvisionState != "" && node.ProvisionState != filter.ProvisionState {
				return nil
			}
			if filter.Unassociated && node.InstanceUUID != "" {
				return nil
			}
			if filter.NoMaintenance && node.Maintenance {
				return nil
			}
			if filter.PowerStateKnown && !node.PowerState.Known() {
				return nil
			}
			if len(uuidSet) > 0 && !uuidSet[node.UUID] {
				return nil
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(ctx context.Context, node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getNodeTx(tx, node.UUID); err != nil {
			return err
		}
		return putNodeTx(tx, node)
	})
}

func (s *BoltStore) DeleteNode(ctx context.Context, ident string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNodeTx(tx, ident)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Delete([]byte(node.UUID))
	})
}

// Reservation operations

func (s *BoltStore) ReserveNode(ctx context.Context, host, ident string) (*types.Node, error) {
	var node *types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		node, err = getNodeTx(tx, ident)
		if err != nil {
			return err
		}
		if node.Reservation != "" {
			// Same-host conflicts are conflicts too: two operations in
			// one conductor must not share an exclusive lock. Stale
			// reservations from a crash go through TakeOverReservations.
			return &ferroerr.NodeLocked{Node: node.UUID, Host: node.Reservation}
		}
		node.Reservation = host
		return putNodeTx(tx, node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BoltStore) ReleaseNode(ctx context.Context, host, ident string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNodeTx(tx, ident)
		if err != nil {
			return err
		}
		if node.Reservation == "" {
			// Already released; release is idempotent.
			return nil
		}
		if node.Reservation != host {
			return &ferroerr.NodeLocked{Node: node.UUID, Host: node.Reservation}
		}
		node.Reservation = ""
		return putNodeTx(tx, node)
	})
}

func (s *BoltStore) TakeOverReservations(ctx context.Context, host string) (int, error) {
	cleared := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var stale []*types.Node
		err := b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Reservation == host {
				stale = append(stale, &node)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, node := range stale {
			node.Reservation = ""
			if err := putNodeTx(tx, node); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	return cleared, err
}

// Allocation operations

func getAllocationTx(tx *bolt.Tx, ident string) (*types.Allocation, error) {
	b := tx.Bucket(bucketAllocations)
	if data := b.Get([]byte(ident)); data != nil {
		var alloc types.Allocation
		if err := json.Unmarshal(data, &alloc); err != nil {
			return nil, err
		}
		return &alloc, nil
	}
	var found *types.Allocation
	err := b.ForEach(func(k, v []byte) error {
		var alloc types.Allocation
		if err := json.Unmarshal(v, &alloc); err != nil {
			return err
		}
		if alloc.Name == ident && alloc.Name != "" {
			found = &alloc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &ferroerr.AllocationNotFound{Allocation: ident}
	}
	return found, nil
}

func putAllocationTx(tx *bolt.Tx, alloc *types.Allocation) error {
	alloc.UpdatedAt = time.Now()
	data, err := json.Marshal(alloc)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAllocations).Put([]byte(alloc.UUID), data)
}

func (s *BoltStore) CreateAllocation(ctx context.Context, alloc *types.Allocation) error {
	if alloc.UUID == "" {
		alloc.UUID = uuid.New().String()
	}
	if alloc.ID == "" {
		alloc.ID = alloc.UUID
	}
	if alloc.State == "" {
		alloc.State = types.AllocationAllocating
	}
	if alloc.CreatedAt.IsZero() {
		alloc.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAllocationTx(tx, alloc)
	})
}

func (s *BoltStore) GetAllocation(ctx context.Context, ident string) (*types.Allocation, error) {
	var alloc *types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		alloc, err = getAllocationTx(tx, ident)
		return err
	})
	return alloc, err
}

func (s *BoltStore) ListAllocations(ctx context.Context) ([]*types.Allocation, error) {
	var allocs []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAllocations).ForEach(func(k, v []byte) error {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) UpdateAllocation(ctx context.Context, alloc *types.Allocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getAllocationTx(tx, alloc.UUID); err != nil {
			return err
		}
		return putAllocationTx(tx, alloc)
	})
}

func (s *BoltStore) DeleteAllocation(ctx context.Context, ident string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		alloc, err := getAllocationTx(tx, ident)
		if err != nil {
			return err
		}
		if alloc.NodeID != "" {
			node, err := getNodeTx(tx, alloc.NodeID)
			if err == nil {
				node.InstanceUUID = ""
				node.AllocationID = ""
				if err := putNodeTx(tx, node); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketAllocations).Delete([]byte(alloc.UUID))
	})
}

func (s *BoltStore) AttachAllocation(ctx context.Context, alloc *types.Allocation, nodeUUID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNodeTx(tx, nodeUUID)
		if err != nil {
			return err
		}
		// The exclusive lock serializes driver operations, not this
		// linkage row; another allocation may have attached between our
		// candidate scan and this transaction.
		if node.InstanceUUID != "" && node.InstanceUUID != alloc.UUID {
			return &ferroerr.NodeAssociated{Node: node.UUID, Instance: node.InstanceUUID}
		}
		node.InstanceUUID = alloc.UUID
		node.AllocationID = alloc.UUID
		if err := putNodeTx(tx, node); err != nil {
			return err
		}

		alloc.NodeID = node.UUID
		alloc.State = types.AllocationActive
		alloc.LastError = ""
		return putAllocationTx(tx, alloc)
	})
}
