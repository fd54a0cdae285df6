package store

import (
	"time"
)

// DeviceCodeStatus tracks a device authorization grant through user approval.
type DeviceCodeStatus string

const (
	DeviceCodePending  DeviceCodeStatus = "pending"
	DeviceCodeApproved DeviceCodeStatus = "approved"
	DeviceCodeDenied   DeviceCodeStatus = "denied"
)

// DeviceCodePayload is the state behind a device_code. UserID is filled in
// when the user approves on the secondary device.
type DeviceCodePayload struct {
	UserCode string
	TenantID string
	ClientID string
	Scope    string
	Status   DeviceCodeStatus
	UserID   string
}

// DeviceCodeStore maps device codes to their grant state and keeps a
// secondary index from user_code to device_code so the approval page can
// resolve what the user typed.
type DeviceCodeStore struct {
	inner  *ttlStore[DeviceCodePayload]
	byUser *ttlStore[string]
}

func NewDeviceCodeStore() *DeviceCodeStore {
	return &DeviceCodeStore{
		inner:  newTTLStore[DeviceCodePayload](),
		byUser: newTTLStore[string](),
	}
}

func (s *DeviceCodeStore) Put(deviceCode string, payload DeviceCodePayload, ttl time.Duration) {
	s.inner.put(deviceCode, payload, ttl)
	s.byUser.put(payload.UserCode, deviceCode, ttl)
}

// Get reads without consuming; the token endpoint polls with it until the
// grant reaches a decided status.
func (s *DeviceCodeStore) Get(deviceCode string) (DeviceCodePayload, bool) {
	return s.inner.get(deviceCode)
}

// Take consumes an approved grant so the device code cannot be redeemed twice.
func (s *DeviceCodeStore) Take(deviceCode string) (DeviceCodePayload, bool) {
	p, ok := s.inner.take(deviceCode)
	if ok {
		s.byUser.take(p.UserCode)
	}
	return p, ok
}

// UpdateStatusByUserCode records the user's decision for the grant the
// user_code points at. Returns false when the code is unknown or expired.
func (s *DeviceCodeStore) UpdateStatusByUserCode(userCode string, status DeviceCodeStatus, userID string) bool {
	deviceCode, ok := s.byUser.get(userCode)
	if !ok {
		return false
	}
	return s.inner.update(deviceCode, func(p *DeviceCodePayload) {
		p.Status = status
		if userID != "" {
			p.UserID = userID
		}
	})
}

func (s *DeviceCodeStore) Sweep(now time.Time) int {
	removed := s.inner.sweep(now)
	s.byUser.sweep(now)
	return removed
}

// Janitor periodically evicts expired entries from the given stores until the
// stop channel closes. Expired entries are already invisible to readers, this
// only bounds memory.
type Janitor struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

type sweeper interface {
	Sweep(now time.Time) int
}

func NewJanitor(interval time.Duration, stores ...sweeper) *Janitor {
	j := &Janitor{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case now := <-ticker.C:
				for _, s := range stores {
					s.Sweep(now)
				}
			}
		}
	}()
	return j
}

func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}
