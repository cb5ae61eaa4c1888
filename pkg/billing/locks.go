package billing

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// companyLocks serializes work per company with a fixed set of mutexes.
// Different companies usually land on different stripes and run in parallel.
type companyLocks struct {
	stripes []sync.Mutex
}

func newCompanyLocks(n int) *companyLocks {
	if n <= 0 {
		n = 64
	}
	return &companyLocks{stripes: make([]sync.Mutex, n)}
}

func (l *companyLocks) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// lockCompany locks the stripe of a company and returns the unlock func
func (l *companyLocks) lockCompany(companyID int64) func() {
	return l.lockKey("company:" + strconv.FormatInt(companyID, 10))
}

// lockKey locks the stripe of an arbitrary key, used when the company is
// not yet known
func (l *companyLocks) lockKey(key string) func() {
	m := l.stripe(key)
	m.Lock()
	return m.Unlock
}
