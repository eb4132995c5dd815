package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/warrenswarm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks       = []byte("tasks")
	bucketAgents      = []byte("agents")
	bucketIdentities  = []byte("identities")
	bucketCredentials = []byte("credentials")
	bucketOfferings   = []byte("offerings")
	bucketTributes    = []byte("tributes")
	bucketBounties    = []byte("bounties")
	bucketPosts       = []byte("messages")
	bucketLedger      = []byte("wallet_ledger")
	bucketState       = []byte("swarm_state")
	bucketProfiles    = []byte("capability_profiles")

	// Secondary index buckets. Keys are composite, values are the ID of
	// the indexed record; the primary bucket remains the source of truth.
	idxTasksByStatus   = []byte("idx_tasks_by_status")
	idxTasksByPriority = []byte("idx_tasks_by_priority")
	idxTasksByParent   = []byte("idx_tasks_by_parent")
	idxTasksByLamport  = []byte("idx_tasks_by_lamport")
	idxAgentsByNode    = []byte("idx_agents_by_node_status")
	idxCredsBySubject  = []byte("idx_credentials_by_subject_type")
)

// BoltStore implements Store on top of a single bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the node's local database and
// ensures every bucket named in the persisted state layout exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "swarm.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	buckets := [][]byte{
		bucketTasks, bucketAgents, bucketIdentities, bucketCredentials,
		bucketOfferings, bucketTributes, bucketBounties, bucketPosts,
		bucketLedger, bucketState, bucketProfiles,
		idxTasksByStatus, idxTasksByPriority, idxTasksByParent, idxTasksByLamport,
		idxAgentsByNode, idxCredsBySubject,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
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

func (s *BoltStore) Close() error { return s.db.Close() }

// --- composite key helpers -------------------------------------------------

func padUint64(v uint64) string { return fmt.Sprintf("%020d", v) }

func padInt(v int) string {
	// offset so negative priorities still sort correctly
	return fmt.Sprintf("%020d", int64(v)+1<<40)
}

func taskStatusKey(t *types.Task) []byte {
	return []byte(string(t.Status) + "\x00" + t.ID)
}

func taskPriorityKey(t *types.Task) []byte {
	// priority desc, created_at asc: invert priority so ascending scan
	// yields highest-priority-first.
	inv := padInt(-t.Priority)
	return []byte(inv + "\x00" + t.CreatedAt.UTC().Format(time.RFC3339Nano) + "\x00" + t.ID)
}

func taskParentKey(t *types.Task) []byte {
	return []byte(t.ParentID + "\x00" + t.ID)
}

func taskLamportKey(t *types.Task) []byte {
	return []byte(padUint64(t.LamportTS) + "\x00" + t.ID)
}

func agentNodeStatusKey(a *types.Agent) []byte {
	return []byte(a.NodeID + "\x00" + string(a.Status) + "\x00" + a.ID)
}

func credSubjectTypeKey(c *types.Credential) []byte {
	return []byte(c.SubjectDID + "\x00" + c.Type + "\x00" + c.ID)
}

// removeTaskIndexEntries deletes every secondary-index entry for a
// previously-stored version of the task before the new one is written.
func removeTaskIndexEntries(tx *bolt.Tx, old *types.Task) error {
	if old == nil {
		return nil
	}
	if err := tx.Bucket(idxTasksByStatus).Delete(taskStatusKey(old)); err != nil {
		return err
	}
	if err := tx.Bucket(idxTasksByPriority).Delete(taskPriorityKey(old)); err != nil {
		return err
	}
	if err := tx.Bucket(idxTasksByParent).Delete(taskParentKey(old)); err != nil {
		return err
	}
	return tx.Bucket(idxTasksByLamport).Delete(taskLamportKey(old))
}

func putTaskIndexEntries(tx *bolt.Tx, t *types.Task) error {
	if err := tx.Bucket(idxTasksByStatus).Put(taskStatusKey(t), []byte(t.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(idxTasksByPriority).Put(taskPriorityKey(t), []byte(t.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(idxTasksByParent).Put(taskParentKey(t), []byte(t.ID)); err != nil {
		return err
	}
	return tx.Bucket(idxTasksByLamport).Put(taskLamportKey(t), []byte(t.ID))
}

func readTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- tasks -------------------------------------------------------------

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
			return err
		}
		return putTaskIndexEntries(tx, t)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := readTask(tx, id)
		if err != nil {
			return err
		}
		t = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task not found: %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	prefix := []byte(string(status) + "\x00")
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxTasksByStatus).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			t, err := readTask(tx, string(v))
			if err != nil {
				return err
			}
			if t != nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListTasksByParent(parentID string) ([]*types.Task, error) {
	prefix := []byte(parentID + "\x00")
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxTasksByParent).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			t, err := readTask(tx, string(v))
			if err != nil {
				return err
			}
			if t != nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListTasksByPriority() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxTasksByPriority).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := readTask(tx, string(v))
			if err != nil {
				return err
			}
			if t != nil {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListTasksSinceLamport(ts uint64) ([]*types.Task, error) {
	prefix := []byte(padUint64(ts))
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxTasksByLamport).Cursor()
		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			t, err := readTask(tx, string(v))
			if err != nil {
				return err
			}
			if t != nil && t.LamportTS > ts {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// MergeTask applies an incoming gossiped task under last-writer-wins. It
// returns true if the local record changed.
func (s *BoltStore) MergeTask(incoming *types.Task) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := readTask(tx, incoming.ID)
		if err != nil {
			return err
		}
		if existing != nil && !incoming.Newer(existing.Stamped) {
			return nil
		}
		if err := removeTaskIndexEntries(tx, existing); err != nil {
			return err
		}
		data, err := json.Marshal(incoming)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(incoming.ID), data); err != nil {
			return err
		}
		if err := putTaskIndexEntries(tx, incoming); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// TransitionTask is the one compare-and-swap primitive for task mutation.
func (s *BoltStore) TransitionTask(id string, allowedFrom []types.TaskStatus, mutate func(*types.Task)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := readTask(tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		if !statusAllowed(existing.Status, allowedFrom) {
			return nil
		}
		if err := removeTaskIndexEntries(tx, existing); err != nil {
			return err
		}
		mutate(existing)
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(id), data); err != nil {
			return err
		}
		if err := putTaskIndexEntries(tx, existing); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func statusAllowed(cur types.TaskStatus, allowed []types.TaskStatus) bool {
	for _, a := range allowed {
		if a == cur {
			return true
		}
	}
	return false
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := readTask(tx, id)
		if err != nil {
			return err
		}
		if err := removeTaskIndexEntries(tx, existing); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
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

// --- agents --------------------------------------------------------------

func readAgent(tx *bolt.Tx, id string) (*types.Agent, error) {
	data := tx.Bucket(bucketAgents).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var a types.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) putAgentLocked(tx *bolt.Tx, old, a *types.Agent) error {
	if old != nil {
		if err := tx.Bucket(idxAgentsByNode).Delete(agentNodeStatusKey(old)); err != nil {
			return err
		}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketAgents).Put([]byte(a.ID), data); err != nil {
		return err
	}
	return tx.Bucket(idxAgentsByNode).Put(agentNodeStatusKey(a), []byte(a.ID))
}

func (s *BoltStore) CreateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putAgentLocked(tx, nil, a)
	})
}

func (s *BoltStore) UpdateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := readAgent(tx, a.ID)
		if err != nil {
			return err
		}
		return s.putAgentLocked(tx, old, a)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var a *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := readAgent(tx, id)
		if err != nil {
			return err
		}
		a = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("agent not found: %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var out []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListAgentsByNode(nodeID string) ([]*types.Agent, error) {
	prefix := []byte(nodeID + "\x00")
	var out []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxAgentsByNode).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			a, err := readAgent(tx, string(v))
			if err != nil {
				return err
			}
			if a != nil {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListIdleAgentsByNode(nodeID string) ([]*types.Agent, error) {
	prefix := []byte(nodeID + "\x00" + string(types.AgentIdle) + "\x00")
	var out []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxAgentsByNode).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			a, err := readAgent(tx, string(v))
			if err != nil {
				return err
			}
			if a != nil {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) MergeAgent(incoming *types.Agent) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := readAgent(tx, incoming.ID)
		if err != nil {
			return err
		}
		if existing != nil && !incoming.Newer(existing.Stamped) {
			return nil
		}
		if err := s.putAgentLocked(tx, existing, incoming); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := readAgent(tx, id)
		if err != nil {
			return err
		}
		if old != nil {
			if err := tx.Bucket(idxAgentsByNode).Delete(agentNodeStatusKey(old)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// --- identities & credentials ---------------------------------------------

func (s *BoltStore) PutIdentity(i *types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(i)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentities).Put([]byte(i.DID), data)
	})
}

func (s *BoltStore) GetIdentity(did string) (*types.Identity, error) {
	var i types.Identity
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentities).Get([]byte(did))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &i)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("identity not found: %s: %w", did, ErrNotFound)
	}
	return &i, nil
}

func (s *BoltStore) ListIdentities() ([]*types.Identity, error) {
	var out []*types.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentities).ForEach(func(_, v []byte) error {
			var i types.Identity
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			out = append(out, &i)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutCredential(c *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCredentials).Put([]byte(c.ID), data); err != nil {
			return err
		}
		return tx.Bucket(idxCredsBySubject).Put(credSubjectTypeKey(c), []byte(c.ID))
	})
}

func (s *BoltStore) GetCredential(id string) (*types.Credential, error) {
	var c types.Credential
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("credential not found: %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *BoltStore) ListCredentialsBySubject(subjectDID, credType string) ([]*types.Credential, error) {
	prefix := []byte(subjectDID + "\x00" + credType + "\x00")
	var out []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxCredsBySubject).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := tx.Bucket(bucketCredentials).Get(v)
			if data == nil {
				continue
			}
			var cred types.Credential
			if err := json.Unmarshal(data, &cred); err != nil {
				return err
			}
			out = append(out, &cred)
		}
		return nil
	})
	return out, err
}

// --- marketplace -----------------------------------------------------------

func (s *BoltStore) PutOffering(o *types.Offering) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOfferings).Put([]byte(o.ID), data)
	})
}

func (s *BoltStore) GetOffering(id string) (*types.Offering, error) {
	var o types.Offering
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOfferings).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("offering not found: %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *BoltStore) ListOfferings() ([]*types.Offering, error) {
	var out []*types.Offering
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOfferings).ForEach(func(_, v []byte) error {
			var o types.Offering
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, &o)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutTribute(t *types.Tribute) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTributes).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTributeByTask(taskID string) (*types.Tribute, error) {
	var found *types.Tribute
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTributes).ForEach(func(_, v []byte) error {
			var t types.Tribute
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TaskID == taskID {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("tribute not found for task %s: %w", taskID, ErrNotFound)
	}
	return found, nil
}

func readBounty(tx *bolt.Tx, id string) (*types.Bounty, error) {
	data := tx.Bucket(bucketBounties).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var b types.Bounty
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) PutBounty(b *types.Bounty) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBounties).Put([]byte(b.ID), data)
	})
}

func (s *BoltStore) GetBounty(id string) (*types.Bounty, error) {
	var b *types.Bounty
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := readBounty(tx, id)
		if err != nil {
			return err
		}
		b = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("bounty not found: %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (s *BoltStore) ListBounties() ([]*types.Bounty, error) {
	var out []*types.Bounty
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBounties).ForEach(func(_, v []byte) error {
			var b types.Bounty
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) TransitionBounty(id string, allowedFrom []types.BountyStatus, mutate func(*types.Bounty)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := readBounty(tx, id)
		if err != nil || existing == nil {
			return err
		}
		ok := false
		for _, a := range allowedFrom {
			if a == existing.Status {
				ok = true
				break
			}
		}
		if !ok {
			return nil
		}
		mutate(existing)
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBounties).Put([]byte(id), data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *BoltStore) PutCapabilityProfile(p *types.CapabilityProfile) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(p.NodeID))
		if data != nil {
			var existing types.CapabilityProfile
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if !p.Newer(existing.Stamped) {
				return nil
			}
		}
		encoded, err := json.Marshal(p)
		if err != nil {
			return err
		}
		changed = true
		return tx.Bucket(bucketProfiles).Put([]byte(p.NodeID), encoded)
	})
	return changed, err
}

func (s *BoltStore) ListCapabilityProfiles() ([]*types.CapabilityProfile, error) {
	var out []*types.CapabilityProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(_, v []byte) error {
			var p types.CapabilityProfile
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// --- message board -----------------------------------------------------

func (s *BoltStore) PutPost(p *types.Post) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPosts).Get([]byte(p.ID))
		if data != nil {
			var existing types.Post
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if !p.Newer(existing.Stamped) {
				return nil
			}
		}
		encoded, err := json.Marshal(p)
		if err != nil {
			return err
		}
		changed = true
		return tx.Bucket(bucketPosts).Put([]byte(p.ID), encoded)
	})
	return changed, err
}

func (s *BoltStore) GetPost(id string) (*types.Post, error) {
	var p types.Post
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPosts).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("post not found: %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *BoltStore) ListPosts() ([]*types.Post, error) {
	var out []*types.Post
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPosts).ForEach(func(_, v []byte) error {
			var p types.Post
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// TransitionPost applies the message-board claim-state machine: mutate
// only runs, and the write only lands, if the post's current ClaimState is
// one of allowedFrom. A concurrent claim from another node loses the race
// and sees applied == false rather than clobbering the winner.
func (s *BoltStore) TransitionPost(id string, allowedFrom []types.PostClaimState, mutate func(*types.Post)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPosts).Get([]byte(id))
		if data == nil {
			return nil
		}
		var existing types.Post
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		ok := false
		for _, a := range allowedFrom {
			if a == existing.ClaimState {
				ok = true
				break
			}
		}
		if !ok {
			return nil
		}
		mutate(&existing)
		encoded, err := json.Marshal(&existing)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPosts).Put([]byte(id), encoded); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// --- wallet ledger -----------------------------------------------------

type ledgerEntry struct {
	Delta  float64
	Reason string
	At     time.Time
}

func (s *BoltStore) AppendLedgerEntry(nodeID string, delta float64, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketLedger).CreateBucketIfNotExists([]byte(nodeID))
		if err != nil {
			return err
		}
		seq, _ := b.NextSequence()
		data, err := json.Marshal(ledgerEntry{Delta: delta, Reason: reason, At: at})
		if err != nil {
			return err
		}
		return b.Put([]byte(padUint64(seq)), data)
	})
}

func (s *BoltStore) LedgerBalance(nodeID string) (float64, error) {
	var total float64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger).Bucket([]byte(nodeID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var e ledgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			total += e.Delta
			return nil
		})
	})
	return total, err
}

// --- swarm_state kv ------------------------------------------------------

func (s *BoltStore) PutState(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(key), value)
	})
}

func (s *BoltStore) GetState(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}
