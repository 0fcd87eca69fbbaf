package dto

import (
	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
)

// TransferDTO is the wire form of an observed on-chain transfer, shared by
// the Kafka transport and the direct poller channel.
type TransferDTO struct {
	TxID      string          `json:"tx_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	BlockTime int64           `json:"block_time"`
}

// ToModel converts a TransferDTO to a domain model
func (dto *TransferDTO) ToModel() model.TransferEvent {
	return model.TransferEvent{
		TxID:      dto.TxID,
		From:      dto.From,
		To:        dto.To,
		Amount:    dto.Amount,
		BlockTime: dto.BlockTime,
	}
}

// FromModel creates a TransferDTO from a domain model
func FromModel(ev model.TransferEvent) *TransferDTO {
	return &TransferDTO{
		TxID:      ev.TxID,
		From:      ev.From,
		To:        ev.To,
		Amount:    ev.Amount,
		BlockTime: ev.BlockTime,
	}
}

func FromModels(events []model.TransferEvent) []*TransferDTO {
	dtos := make([]*TransferDTO, len(events))
	for i, ev := range events {
		dtos[i] = FromModel(ev)
	}
	return dtos
}
