package utils

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
)

// TransferGenerator produces synthetic transfer events for demos and load
// tests, addressed to the given operator address.
type TransferGenerator struct {
	operator string
	rnd      *rand.Rand
	seq      int
}

func NewTransferGenerator(operator string) *TransferGenerator {
	return &TransferGenerator{
		operator: operator,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GenerateRandomTransfers returns n transfers from random-ish senders, each
// with a unique transaction id.
func (g *TransferGenerator) GenerateRandomTransfers(n int) []model.TransferEvent {
	out := make([]model.TransferEvent, n)
	now := time.Now().UnixMilli()
	for i := range out {
		g.seq++
		out[i] = model.TransferEvent{
			TxID:      fmt.Sprintf("demo-tx-%d-%d", now, g.seq),
			From:      g.randomAddress(),
			To:        g.operator,
			Amount:    decimal.NewFromInt(int64(1 + g.rnd.Intn(5))),
			BlockTime: now,
		}
	}
	return out
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func (g *TransferGenerator) randomAddress() string {
	buf := make([]byte, 34)
	buf[0] = 'T'
	for i := 1; i < len(buf); i++ {
		buf[i] = base58Alphabet[g.rnd.Intn(len(base58Alphabet))]
	}
	return string(buf)
}
