// Package registry is the persistent binding registry: the durable mapping
// from bus identifiers to "shared" status (§4.B). It is backed by a single
// bbolt file so that bind/unbind state survives server restarts, while
// attachment state is kept in memory and always resets to Unattached on
// process start.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")  // guid -> json(PersistedDevice)
	bucketBusIndex = []byte("busindex") // busid string -> guid
)

// PersistedDevice is the on-disk record for one shared device.
type PersistedDevice struct {
	BusId       string
	Description string
	InstanceId  string
}

// SharedDevice is the in-memory view of a binding, joining the persisted
// record with its GUID and (non-persisted) attachment state.
type SharedDevice struct {
	BusId           string
	PersistentGuid  uuid.UUID
	StubDescription string
	InstanceId      string
	Attachment      AttachmentState
}

// AttachmentState describes whether a remote peer currently holds the
// device attached. It is never persisted.
type AttachmentState struct {
	Attached      bool
	ClientAddress string
	SessionId     uint64
}

// PrivilegeChecker reports whether the calling process may mutate the
// registry. Access control is enforced at this boundary, not on the wire.
type PrivilegeChecker func() bool

// Registry is the durable set of SharedDevices plus the transient
// in-memory attachment table.
type Registry struct {
	db      *bbolt.DB
	checker PrivilegeChecker

	mu         sync.Mutex
	attachment map[string]AttachmentState // busid -> state, only when Attached
	sessionSeq uint64
}

// Open opens (creating if necessary) the registry database at path and
// ensures its buckets exist. Every SharedDevice's AttachmentState starts
// Unattached, per the invariant that attachment never survives a restart.
func Open(path string, checker PrivilegeChecker) (*Registry, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevices); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBusIndex)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: init buckets: %w", err)
	}
	if checker == nil {
		checker = func() bool { return true }
	}
	return &Registry{db: db, checker: checker, attachment: make(map[string]AttachmentState)}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// BindResult is the outcome of a Bind call.
type BindResult int

const (
	BindOk BindResult = iota
	BindAlreadyShared
	BindNotPresent
	BindAccessDenied
)

// Bind records busId as shared, generating a fresh persistent GUID.
// Binding an already-shared device is idempotent: it succeeds with
// BindAlreadyShared and does not change the existing GUID.
//
// present reports whether busId currently names a connected device; the
// caller (the CLI, backed by the enumerator) supplies this because the
// registry has no enumeration capability of its own.
func (r *Registry) Bind(busId, description string, present bool) (BindResult, error) {
	if !r.checker() {
		return BindAccessDenied, nil
	}
	if !present {
		return BindNotPresent, nil
	}

	result := BindOk
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bi := tx.Bucket(bucketBusIndex)
		devs := tx.Bucket(bucketDevices)

		if existing := bi.Get([]byte(busId)); existing != nil {
			result = BindAlreadyShared
			return nil
		}

		id := uuid.New()
		rec := PersistedDevice{BusId: busId, Description: description, InstanceId: id.String()}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := devs.Put(id[:], data); err != nil {
			return err
		}
		return bi.Put([]byte(busId), id[:])
	})
	if err != nil {
		return BindOk, err
	}
	return result, nil
}

// UnbindResult is the outcome of an Unbind call.
type UnbindResult int

const (
	UnbindOk UnbindResult = iota
	UnbindNotShared
	UnbindNotFound
	UnbindAccessDenied
)

// Unbind removes the SharedDevice for busId.
func (r *Registry) Unbind(busId string) (UnbindResult, error) {
	if !r.checker() {
		return UnbindAccessDenied, nil
	}
	result := UnbindOk
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bi := tx.Bucket(bucketBusIndex)
		devs := tx.Bucket(bucketDevices)

		id := bi.Get([]byte(busId))
		if id == nil {
			result = UnbindNotShared
			return nil
		}
		if err := devs.Delete(id); err != nil {
			return err
		}
		return bi.Delete([]byte(busId))
	})
	if err != nil {
		return UnbindOk, err
	}
	if result == UnbindOk {
		r.mu.Lock()
		delete(r.attachment, busId)
		r.mu.Unlock()
	}
	return result, nil
}

// UnbindByGuid removes the SharedDevice identified by its persistent GUID.
func (r *Registry) UnbindByGuid(id uuid.UUID) (UnbindResult, error) {
	if !r.checker() {
		return UnbindAccessDenied, nil
	}
	result := UnbindOk
	var busId string
	err := r.db.Update(func(tx *bbolt.Tx) error {
		devs := tx.Bucket(bucketDevices)
		bi := tx.Bucket(bucketBusIndex)

		data := devs.Get(id[:])
		if data == nil {
			result = UnbindNotFound
			return nil
		}
		var rec PersistedDevice
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		busId = rec.BusId
		if err := devs.Delete(id[:]); err != nil {
			return err
		}
		return bi.Delete([]byte(rec.BusId))
	})
	if err != nil {
		return UnbindOk, err
	}
	if result == UnbindOk {
		r.mu.Lock()
		delete(r.attachment, busId)
		r.mu.Unlock()
	}
	return result, nil
}

// UnbindAll removes every SharedDevice.
func (r *Registry) UnbindAll() error {
	if !r.checker() {
		return fmt.Errorf("registry: access denied")
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDevices); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketBusIndex); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketDevices); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketBusIndex)
		return err
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.attachment = make(map[string]AttachmentState)
	r.mu.Unlock()
	return nil
}

// MarkAttachedResult is the outcome of a MarkAttached call.
type MarkAttachedResult int

const (
	MarkAttachedOk MarkAttachedResult = iota
	MarkAttachedAlready
	MarkAttachedNotShared
)

// MarkAttached atomically test-and-sets the Attached flag for busId,
// enforcing single-attach exclusivity (§3 Invariant 1, §5).
func (r *Registry) MarkAttached(busId, clientAddr string) (MarkAttachedResult, uint64, error) {
	if !r.isShared(busId) {
		return MarkAttachedNotShared, 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.attachment[busId]; ok && st.Attached {
		return MarkAttachedAlready, 0, nil
	}
	r.sessionSeq++
	id := r.sessionSeq
	r.attachment[busId] = AttachmentState{Attached: true, ClientAddress: clientAddr, SessionId: id}
	return MarkAttachedOk, id, nil
}

// MarkDetached clears the Attached flag for busId. Idempotent.
func (r *Registry) MarkDetached(busId string) error {
	r.mu.Lock()
	delete(r.attachment, busId)
	r.mu.Unlock()
	return nil
}

func (r *Registry) isShared(busId string) bool {
	var shared bool
	_ = r.db.View(func(tx *bbolt.Tx) error {
		shared = tx.Bucket(bucketBusIndex).Get([]byte(busId)) != nil
		return nil
	})
	return shared
}

// ListShared returns every SharedDevice, joined with current in-memory
// attachment state.
func (r *Registry) ListShared() ([]SharedDevice, error) {
	var out []SharedDevice
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var rec PersistedDevice
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}
			out = append(out, SharedDevice{
				BusId:           rec.BusId,
				PersistentGuid:  id,
				StubDescription: rec.Description,
				InstanceId:      rec.InstanceId,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	for i := range out {
		out[i].Attachment = r.attachment[out[i].BusId]
	}
	r.mu.Unlock()
	return out, nil
}

// ListPersisted returns the subset of ListShared whose bus id has no
// matching entry in currentlyPresent (a set of bus ids from the
// enumerator) — devices that are bound but not physically connected.
func (r *Registry) ListPersisted(currentlyPresent map[string]bool) ([]SharedDevice, error) {
	all, err := r.ListShared()
	if err != nil {
		return nil, err
	}
	out := make([]SharedDevice, 0, len(all))
	for _, d := range all {
		if !currentlyPresent[d.BusId] {
			out = append(out, d)
		}
	}
	return out, nil
}

// FindByBusId returns the SharedDevice for busId, if any.
func (r *Registry) FindByBusId(busId string) (SharedDevice, bool, error) {
	devices, err := r.ListShared()
	if err != nil {
		return SharedDevice{}, false, err
	}
	for _, d := range devices {
		if d.BusId == busId {
			return d, true, nil
		}
	}
	return SharedDevice{}, false, nil
}
