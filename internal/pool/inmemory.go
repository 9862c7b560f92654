package pool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InMemoryPool is a self-contained Accounting implementation backed by maps.
// It is the fund used in tests and local single-process runs; a production
// deployment wires the engine to the real fund service instead.
type InMemoryPool struct {
	mu sync.Mutex

	pricePerShare uint64 // at price scale
	spendable     uint64 // value available for reservations and payouts

	shareBalances map[uuid.UUID]uint64
	valueBalances map[uuid.UUID]uint64
	custody       uint64 // shares held by the engine, not yet retired
	shareSupply   uint64
}

func NewInMemoryPool(pricePerShare uint64) *InMemoryPool {
	return &InMemoryPool{
		pricePerShare: pricePerShare,
		shareBalances: make(map[uuid.UUID]uint64),
		valueBalances: make(map[uuid.UUID]uint64),
	}
}

// MintShares credits shares to a user (test setup).
func (p *InMemoryPool) MintShares(user uuid.UUID, shares uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shareBalances[user] += shares
	p.shareSupply += shares
}

// FundSpendable credits spendable value to the pool (test setup).
func (p *InMemoryPool) FundSpendable(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spendable += value
}

// SetPricePerShare moves the live price (test setup).
func (p *InMemoryPool) SetPricePerShare(price uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pricePerShare = price
}

// ShareBalance returns a user's free shares.
func (p *InMemoryPool) ShareBalance(user uuid.UUID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shareBalances[user]
}

// ValueBalance returns value paid out to a receiver so far.
func (p *InMemoryPool) ValueBalance(user uuid.UUID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valueBalances[user]
}

// CustodiedShares returns shares the engine holds and has not retired.
func (p *InMemoryPool) CustodiedShares() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.custody
}

// ShareSupply returns total outstanding shares, custody included.
func (p *InMemoryPool) ShareSupply() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shareSupply
}

func (p *InMemoryPool) CurrentPricePerShare() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pricePerShare == 0 {
		return 0, fmt.Errorf("price unavailable")
	}
	return p.pricePerShare, nil
}

func (p *InMemoryPool) AvailableSpendableValue() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spendable, nil
}

func (p *InMemoryPool) MoveSharesIntoCustody(user uuid.UUID, shares uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.shareBalances[user]
	if shares > held {
		return fmt.Errorf("user %s holds %d shares, cannot custody %d", user, held, shares)
	}
	if held-shares == 0 {
		delete(p.shareBalances, user)
	} else {
		p.shareBalances[user] = held - shares
	}
	p.custody += shares
	return nil
}

func (p *InMemoryPool) ReturnSharesFromCustody(user uuid.UUID, shares uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if shares > p.custody {
		return fmt.Errorf("custody holds %d shares, cannot return %d", p.custody, shares)
	}
	p.custody -= shares
	p.shareBalances[user] += shares
	return nil
}

func (p *InMemoryPool) RetireShares(shares uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if shares > p.custody {
		return fmt.Errorf("custody holds %d shares, cannot retire %d", p.custody, shares)
	}
	if shares > p.shareSupply {
		return fmt.Errorf("supply is %d shares, cannot retire %d", p.shareSupply, shares)
	}
	p.custody -= shares
	p.shareSupply -= shares
	return nil
}

func (p *InMemoryPool) TransferValueTo(receiver uuid.UUID, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value > p.spendable {
		return fmt.Errorf("pool has %d spendable, cannot transfer %d", p.spendable, value)
	}
	p.spendable -= value
	p.valueBalances[receiver] += value
	return nil
}
