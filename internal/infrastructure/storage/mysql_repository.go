package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
)

// MySQLRepository implements the RaffleStore interface on MySQL through gorm.
// It is the system of record: raffles, entries, the credit ledger, draw
// results and payout statuses.
type MySQLRepository struct {
	db *gorm.DB
}

type raffleRow struct {
	ChatID     string          `gorm:"primaryKey;size:64"`
	InstanceID string          `gorm:"size:36;index"`
	EntryFee   decimal.Decimal `gorm:"type:decimal(32,6);not null"`
	HostSplit  int             `gorm:"not null"`
	Duration   int             `gorm:"not null"`
	HostWallet string          `gorm:"size:64"`
	StartTime  int64           `gorm:"not null"`
	Phase      string          `gorm:"size:16;not null"`
	NextSeq    int             `gorm:"not null"`
	UpdatedAt  time.Time
}

func (raffleRow) TableName() string { return "raffles" }

type entryRow struct {
	ChatID        string          `gorm:"primaryKey;size:64"`
	ParticipantID string          `gorm:"primaryKey;size:64"`
	TronAddress   string          `gorm:"size:64;index"`
	Amount        decimal.Decimal `gorm:"type:decimal(32,6);not null"`
	Seq           int             `gorm:"not null"`
	RegisteredAt  time.Time
}

func (entryRow) TableName() string { return "entries" }

// transferRow is the credit ledger: one row per applied transfer, unique by
// transaction ID. The unique key is what makes a replayed credit a no-op.
type transferRow struct {
	TxID          string          `gorm:"primaryKey;size:128"`
	ChatID        string          `gorm:"size:64;index"`
	ParticipantID string          `gorm:"size:64"`
	FromAddress   string          `gorm:"size:64"`
	Amount        decimal.Decimal `gorm:"type:decimal(32,6);not null"`
	BlockTime     int64
	CreatedAt     time.Time
}

func (transferRow) TableName() string { return "transfers" }

type drawRow struct {
	DrawID        string          `gorm:"primaryKey;size:36"`
	ChatID        string          `gorm:"size:64;index"`
	InstanceID    string          `gorm:"size:36;index"`
	WinnerID      string          `gorm:"size:64"`
	WinnerAddress string          `gorm:"size:64"`
	Pool          decimal.Decimal `gorm:"type:decimal(32,6)"`
	WinnerAmount  decimal.Decimal `gorm:"type:decimal(32,6)"`
	HostAmount    decimal.Decimal `gorm:"type:decimal(32,6)"`
	AdminAmount   decimal.Decimal `gorm:"type:decimal(32,6)"`
	EligibleCount int
	Entropy       uint64 `gorm:"type:bigint unsigned"`
	DrawnAt       time.Time
}

func (drawRow) TableName() string { return "draw_results" }

type payoutRow struct {
	PayoutID  string          `gorm:"primaryKey;size:36"`
	DrawID    string          `gorm:"size:36;index"`
	ChatID    string          `gorm:"size:64;index"`
	Leg       string          `gorm:"size:16"`
	ToAddress string          `gorm:"size:64"`
	Amount    decimal.Decimal `gorm:"type:decimal(32,6)"`
	Status    string          `gorm:"size:16"`
	Attempts  int
	TxID      string `gorm:"size:128"`
	LastError string `gorm:"size:512"`
	UpdatedAt time.Time
}

func (payoutRow) TableName() string { return "payouts" }

func NewMySQLRepository(dsn string) (*MySQLRepository, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	if err := db.AutoMigrate(&raffleRow{}, &entryRow{}, &transferRow{}, &drawRow{}, &payoutRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}
	return &MySQLRepository{db: db}, nil
}

// Ensure MySQLRepository implements the RaffleStore interface
var _ repository.RaffleStore = (*MySQLRepository)(nil)

func (r *MySQLRepository) SaveRaffle(ctx context.Context, inst *model.RaffleInstance) error {
	row := raffleRow{
		ChatID:     inst.Config.ChatID,
		InstanceID: inst.InstanceID,
		EntryFee:   inst.Config.EntryFee,
		HostSplit:  inst.Config.HostSplit,
		Duration:   inst.Config.Duration,
		HostWallet: inst.Config.HostAddress,
		StartTime:  inst.Config.StartTime,
		Phase:      string(inst.Phase),
		NextSeq:    inst.NextSeq,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (r *MySQLRepository) SaveEntry(ctx context.Context, entry *model.Entry) error {
	row := entryRow{
		ChatID:        entry.ChatID,
		ParticipantID: entry.ParticipantID,
		TronAddress:   entry.SourceAddress,
		Amount:        entry.Amount,
		Seq:           entry.Seq,
		RegisteredAt:  entry.RegisteredAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (r *MySQLRepository) DeleteEntries(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&entryRow{}).Error
}

// RecordTransfer appends one credit ledger row. A replay hits the primary key
// and reports model.ErrDuplicateTransfer without touching the ledger.
func (r *MySQLRepository) RecordTransfer(ctx context.Context, ev model.TransferEvent, chatID, participantID string) error {
	row := transferRow{
		TxID:          ev.TxID,
		ChatID:        chatID,
		ParticipantID: participantID,
		FromAddress:   ev.From,
		Amount:        ev.Amount,
		BlockTime:     ev.BlockTime,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrDuplicateTransfer
	}
	return nil
}

func (r *MySQLRepository) SaveDrawResult(ctx context.Context, drawRes *model.DrawResult) error {
	row := drawRow{
		DrawID:        drawRes.DrawID,
		ChatID:        drawRes.ChatID,
		InstanceID:    drawRes.InstanceID,
		WinnerID:      drawRes.WinnerID,
		WinnerAddress: drawRes.WinnerAddress,
		Pool:          drawRes.Pool,
		WinnerAmount:  drawRes.WinnerAmount,
		HostAmount:    drawRes.HostAmount,
		AdminAmount:   drawRes.AdminAmount,
		EligibleCount: drawRes.EligibleCount,
		Entropy:       drawRes.Entropy,
		DrawnAt:       drawRes.DrawnAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (r *MySQLRepository) SavePayout(ctx context.Context, rec *model.PayoutRecord) error {
	row := payoutRow{
		PayoutID:  rec.PayoutID,
		DrawID:    rec.DrawID,
		ChatID:    rec.ChatID,
		Leg:       string(rec.Leg),
		ToAddress: rec.ToAddress,
		Amount:    rec.Amount,
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		TxID:      rec.TxID,
		LastError: rec.LastError,
		UpdatedAt: rec.UpdatedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// ListRaffles rebuilds every stored instance with its entries and, for drawn
// raffles, the draw result and payout legs.
func (r *MySQLRepository) ListRaffles(ctx context.Context) ([]*model.RaffleInstance, error) {
	var raffleRows []raffleRow
	if err := r.db.WithContext(ctx).Find(&raffleRows).Error; err != nil {
		return nil, err
	}

	out := make([]*model.RaffleInstance, 0, len(raffleRows))
	for _, rr := range raffleRows {
		inst := &model.RaffleInstance{
			InstanceID: rr.InstanceID,
			Config: model.RaffleConfig{
				ChatID:      rr.ChatID,
				EntryFee:    rr.EntryFee,
				HostSplit:   rr.HostSplit,
				Duration:    rr.Duration,
				HostAddress: rr.HostWallet,
				StartTime:   rr.StartTime,
			},
			Phase:   model.Phase(rr.Phase),
			NextSeq: rr.NextSeq,
		}

		var entryRows []entryRow
		if err := r.db.WithContext(ctx).Where("chat_id = ?", rr.ChatID).Order("seq").Find(&entryRows).Error; err != nil {
			return nil, err
		}
		for _, er := range entryRows {
			inst.Entries = append(inst.Entries, &model.Entry{
				ChatID:        er.ChatID,
				ParticipantID: er.ParticipantID,
				SourceAddress: er.TronAddress,
				Amount:        er.Amount,
				Seq:           er.Seq,
				RegisteredAt:  er.RegisteredAt,
			})
		}

		if inst.Phase == model.PhaseDrawn || inst.Phase == model.PhaseSettled {
			if err := r.loadDraw(ctx, inst); err != nil {
				return nil, err
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *MySQLRepository) loadDraw(ctx context.Context, inst *model.RaffleInstance) error {
	var dr drawRow
	err := r.db.WithContext(ctx).Where("instance_id = ?", inst.InstanceID).
		Order("drawn_at DESC").First(&dr).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	inst.Draw = &model.DrawResult{
		DrawID:        dr.DrawID,
		ChatID:        dr.ChatID,
		InstanceID:    dr.InstanceID,
		WinnerID:      dr.WinnerID,
		WinnerAddress: dr.WinnerAddress,
		Pool:          dr.Pool,
		WinnerAmount:  dr.WinnerAmount,
		HostAmount:    dr.HostAmount,
		AdminAmount:   dr.AdminAmount,
		EligibleCount: dr.EligibleCount,
		Entropy:       dr.Entropy,
		DrawnAt:       dr.DrawnAt,
	}

	var payoutRows []payoutRow
	if err := r.db.WithContext(ctx).Where("draw_id = ?", dr.DrawID).Find(&payoutRows).Error; err != nil {
		return err
	}
	for _, pr := range payoutRows {
		inst.Payouts = append(inst.Payouts, &model.PayoutRecord{
			PayoutID:  pr.PayoutID,
			DrawID:    pr.DrawID,
			ChatID:    pr.ChatID,
			Leg:       model.PayoutLeg(pr.Leg),
			ToAddress: pr.ToAddress,
			Amount:    pr.Amount,
			Status:    model.PayoutStatus(pr.Status),
			Attempts:  pr.Attempts,
			TxID:      pr.TxID,
			LastError: pr.LastError,
			UpdatedAt: pr.UpdatedAt,
		})
	}
	return nil
}
