package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/decloudhq/decloud/pkg/types"
)

var (
	// Bucket names
	bucketNodes              = []byte("nodes")
	bucketVms                = []byte("virtual_machines")
	bucketUsers              = []byte("users")
	bucketTemplates          = []byte("templates")
	bucketTemplateCategories = []byte("template_categories")
	bucketUsageRecords       = []byte("usage_records")
	bucketCustomDomains      = []byte("custom_domains")
	bucketNodeAuthTokens     = []byte("node_auth_tokens")
	bucketEventLog           = []byte("event_log")
)

// BoltStore implements Store using BoltDB with JSON documents
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "decloud.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketVms,
			bucketUsers,
			bucketTemplates,
			bucketTemplateCategories,
			bucketUsageRecords,
			bucketCustomDomains,
			bucketNodeAuthTokens,
			bucketEventLog,
		}

		for _, bucket := range buckets {
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

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}, kind string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s not found: %s", kind, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Node operations

func (s *BoltStore) SaveNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, &node, "node"); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByWallet(wallet string) (*types.Node, error) {
	var found *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if strings.EqualFold(node.WalletAddress, wallet) {
				found = &node
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node not found for wallet: %s", wallet)
	}
	return found, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// Virtual machine operations

func (s *BoltStore) SaveVm(vm *types.VirtualMachine) error {
	return s.put(bucketVms, vm.ID, vm)
}

func (s *BoltStore) GetVm(id string) (*types.VirtualMachine, error) {
	var vm types.VirtualMachine
	if err := s.get(bucketVms, id, &vm, "vm"); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) GetVmByName(name string) (*types.VirtualMachine, error) {
	var found *types.VirtualMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVms)
		return b.ForEach(func(k, v []byte) error {
			var vm types.VirtualMachine
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			if vm.Name == name {
				found = &vm
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("vm not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListVms() ([]*types.VirtualMachine, error) {
	var vms []*types.VirtualMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVms)
		return b.ForEach(func(k, v []byte) error {
			var vm types.VirtualMachine
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error) {
	vms, err := s.ListVms()
	if err != nil {
		return nil, err
	}

	var filtered []*types.VirtualMachine
	for _, vm := range vms {
		if vm.NodeID == nodeID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteVm(id string) error {
	return s.delete(bucketVms, id)
}

// User operations

func (s *BoltStore) SaveUser(user *types.User) error {
	return s.put(bucketUsers, user.ID, user)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	if err := s.get(bucketUsers, id, &user, "user"); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

// Template operations

func (s *BoltStore) SaveTemplate(template *types.Template) error {
	return s.put(bucketTemplates, template.ID, template)
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var template types.Template
	if err := s.get(bucketTemplates, id, &template, "template"); err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var templates []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		return b.ForEach(func(k, v []byte) error {
			var t types.Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			templates = append(templates, &t)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.delete(bucketTemplates, id)
}

func (s *BoltStore) SaveTemplateCategory(category *types.TemplateCategory) error {
	return s.put(bucketTemplateCategories, category.ID, category)
}

func (s *BoltStore) ListTemplateCategories() ([]*types.TemplateCategory, error) {
	var categories []*types.TemplateCategory
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplateCategories)
		return b.ForEach(func(k, v []byte) error {
			var c types.TemplateCategory
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			categories = append(categories, &c)
			return nil
		})
	})
	return categories, err
}

// Usage record operations

func (s *BoltStore) SaveUsageRecord(record *types.UsageRecord) error {
	return s.put(bucketUsageRecords, record.ID, record)
}

func (s *BoltStore) GetUsageRecord(id string) (*types.UsageRecord, error) {
	var record types.UsageRecord
	if err := s.get(bucketUsageRecords, id, &record, "usage record"); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListUsageRecords() ([]*types.UsageRecord, error) {
	var records []*types.UsageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsageRecords)
		return b.ForEach(func(k, v []byte) error {
			var r types.UsageRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, &r)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) ListUnsettledUsageRecords() ([]*types.UsageRecord, error) {
	records, err := s.ListUsageRecords()
	if err != nil {
		return nil, err
	}

	var unsettled []*types.UsageRecord
	for _, r := range records {
		if !r.Settled {
			unsettled = append(unsettled, r)
		}
	}
	return unsettled, nil
}

// Custom domain operations

func (s *BoltStore) SaveCustomDomain(domain *types.CustomDomain) error {
	return s.put(bucketCustomDomains, domain.ID, domain)
}

func (s *BoltStore) GetCustomDomain(id string) (*types.CustomDomain, error) {
	var domain types.CustomDomain
	if err := s.get(bucketCustomDomains, id, &domain, "custom domain"); err != nil {
		return nil, err
	}
	return &domain, nil
}

func (s *BoltStore) ListCustomDomains() ([]*types.CustomDomain, error) {
	var domains []*types.CustomDomain
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCustomDomains)
		return b.ForEach(func(k, v []byte) error {
			var d types.CustomDomain
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			domains = append(domains, &d)
			return nil
		})
	})
	return domains, err
}

func (s *BoltStore) DeleteCustomDomain(id string) error {
	return s.delete(bucketCustomDomains, id)
}

// Node auth token operations

func (s *BoltStore) SaveNodeAuthToken(token *types.NodeAuthToken) error {
	return s.put(bucketNodeAuthTokens, token.NodeID, token)
}

func (s *BoltStore) GetNodeAuthToken(nodeID string) (*types.NodeAuthToken, error) {
	var token types.NodeAuthToken
	if err := s.get(bucketNodeAuthTokens, nodeID, &token, "auth token"); err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) ListNodeAuthTokens() ([]*types.NodeAuthToken, error) {
	var tokens []*types.NodeAuthToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeAuthTokens)
		return b.ForEach(func(k, v []byte) error {
			var t types.NodeAuthToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tokens = append(tokens, &t)
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) DeleteNodeAuthToken(nodeID string) error {
	return s.delete(bucketNodeAuthTokens, nodeID)
}

// Event log operations

// AppendEvent appends an opaque event payload to the durable log
func (s *BoltStore) AppendEvent(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// ReadEvents reads up to limit events starting at fromSeq (exclusive).
// Returns the payloads and the last sequence number read.
func (s *BoltStore) ReadEvents(fromSeq uint64, limit int) ([][]byte, uint64, error) {
	var out [][]byte
	last := fromSeq
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEventLog).Cursor()
		start := make([]byte, 8)
		binary.BigEndian.PutUint64(start, fromSeq+1)
		for k, v := c.Seek(start); k != nil && len(out) < limit; k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, data)
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return out, last, err
}
