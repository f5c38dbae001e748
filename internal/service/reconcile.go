package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deltagroupbrasil/cryptoinvoice/internal/exchange"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/matching"
	"github.com/deltagroupbrasil/cryptoinvoice/internal/model"
)

// StartReconciliation запускает фоновый цикл сверки депозитов с открытыми
// инвойсами. Цикл останавливается при отмене контекста.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.exch == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runTick(ctx)
			}
		}
	}()
}

// depositGroup — ключ группировки открытых инвойсов для запросов к бирже:
// один вызов ListDeposits на пару валюта/сеть.
type depositGroup struct {
	coin    string
	network string
}

// runTick выполняет один тик сверки. Перекрывающиеся тики подавляются:
// если предыдущий тик ещё не завершился, новый пропускается.
func (s *Service) runTick(ctx context.Context) {
	if !s.tickRunning.CompareAndSwap(false, true) {
		s.logger.Debug("reconciliation tick still in progress, skipping")
		return
	}
	defer s.tickRunning.Store(false)

	entry := model.PollingLogEntry{StartedAt: time.Now()}

	invoices, err := s.repo.GetOpenInvoices(ctx)
	if err != nil {
		s.logger.Error("load open invoices", zap.Error(err))
		entry.Errors = append(entry.Errors, fmt.Sprintf("load open invoices: %v", err))
		s.finishTick(ctx, &entry)
		return
	}
	entry.InvoicesChecked = len(invoices)

	since := time.Now().Add(-s.lookback)

	deposits := make(map[depositGroup][]exchange.DepositRecord)
	failed := make(map[depositGroup]bool)
	addresses := make(map[string]bool)

	for _, inv := range invoices {
		if inv.DepositAddress == "" {
			continue
		}
		addresses[inv.DepositAddress] = true

		g := depositGroup{coin: string(inv.Currency), network: inv.Network}
		if _, fetched := deposits[g]; fetched || failed[g] {
			continue
		}

		recs, listErr := s.exch.ListDeposits(ctx, g.coin, g.network, since)
		if listErr != nil {
			// Сбой по одной группе адресов не прерывает тик: остальные
			// группы обрабатываются, повтор произойдёт на следующем тике.
			failed[g] = true
			entry.Errors = append(entry.Errors,
				fmt.Sprintf("list deposits %s/%s: %v", g.coin, g.network, listErr))
			s.logger.Warn("list deposits failed",
				zap.String("coin", g.coin), zap.String("network", g.network), zap.Error(listErr))
			continue
		}
		deposits[g] = recs
	}
	entry.AddressesChecked = len(addresses)

	for i := range invoices {
		inv := &invoices[i]
		if inv.DepositAddress == "" {
			continue
		}

		g := depositGroup{coin: string(inv.Currency), network: inv.Network}
		if failed[g] {
			continue
		}

		matched, errs := s.reconcileInvoice(ctx, inv, deposits[g])
		entry.DepositsMatched += matched
		entry.Errors = append(entry.Errors, errs...)
	}

	s.finishTick(ctx, &entry)
}

func (s *Service) finishTick(ctx context.Context, entry *model.PollingLogEntry) {
	entry.FinishedAt = time.Now()

	if err := s.repo.InsertPollingLogEntry(ctx, entry); err != nil {
		s.logger.Error("record polling log entry", zap.Error(err))
	}

	s.logger.Info("reconciliation tick finished",
		zap.Int("invoices", entry.InvoicesChecked),
		zap.Int("addresses", entry.AddressesChecked),
		zap.Int("matched", entry.DepositsMatched),
		zap.Int("errors", len(entry.Errors)),
		zap.Duration("took", entry.FinishedAt.Sub(entry.StartedAt)),
	)
}

// reconcileInvoice обрабатывает один инвойс: привязывает новые депозиты на
// его адрес и продвигает подтверждения. Возвращает число привязанных
// депозитов и собранные ошибки.
func (s *Service) reconcileInvoice(ctx context.Context, inv *model.Invoice, recs []exchange.DepositRecord) (int, []string) {
	unlock := s.locks.lock(inv.ID)
	defer unlock()

	var (
		matched int
		errs    []string
		changes []model.StateChange
	)

	fresh := make(map[string]exchange.DepositRecord, len(recs))

	for _, rec := range recs {
		if !matching.AddressMatches(inv.DepositAddress, rec.Address) {
			continue
		}
		fresh[rec.TxID] = rec

		depositChanges, linked, err := s.applyDeposit(ctx, inv, &rec, model.TxSourceAuto)
		if err != nil {
			if errors.Is(err, errExcessDeposit) {
				errs = append(errs, fmt.Sprintf("invoice %s: deposit %s of %v exceeds expected %v",
					inv.Number, rec.TxID, rec.Amount, inv.ExpectedAmount))
				continue
			}
			errs = append(errs, fmt.Sprintf("invoice %s: apply deposit %s: %v", inv.Number, rec.TxID, err))
			continue
		}
		if linked {
			matched++
		}
		changes = append(changes, depositChanges...)
	}

	confirmChanges, err := s.advanceConfirmations(ctx, inv, fresh)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invoice %s: confirmations: %v", inv.Number, err))
	}
	changes = append(changes, confirmChanges...)

	s.dispatch(ctx, changes)

	return matched, errs
}

// applyDeposit оценивает депозит против инвойса и при совпадении привязывает
// его. Общая точка автоматического и ручного путей: оба приходят к
// одинаковым переходам состояния.
func (s *Service) applyDeposit(ctx context.Context, inv *model.Invoice, rec *exchange.DepositRecord, source model.TxSource) ([]model.StateChange, bool, error) {
	txs, err := s.repo.GetTransactionsByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, false, err
	}

	var observedTotal float64
	for _, t := range txs {
		if t.TxID == rec.TxID {
			// Транзакция уже привязана: повторная обработка — no-op для
			// состояния, обновляется только счётчик подтверждений.
			if t.Confirmations != rec.Confirmations {
				if err := s.repo.UpdateTransactionConfirmations(ctx, rec.TxID, rec.Confirmations); err != nil {
					return nil, false, err
				}
			}
			return nil, false, nil
		}
		observedTotal += t.Amount
	}

	outcome := matching.Evaluate(inv.ExpectedAmount, observedTotal+rec.Amount, s.tolerance)
	switch outcome {
	case matching.OutcomeNone:
		return nil, false, nil
	case matching.OutcomeExcess:
		return nil, false, errExcessDeposit
	}

	inserted, err := s.repo.CreateTransaction(ctx, &model.PaymentTransaction{
		InvoiceID:     inv.ID,
		TxID:          rec.TxID,
		Amount:        rec.Amount,
		Confirmations: rec.Confirmations,
		Source:        source,
	})
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		// Транзакция уже учтена (в том числе другим инвойсом) — страж
		// идемпотентности, молча пропускается.
		return nil, false, nil
	}

	var changes []model.StateChange

	switch outcome {
	case matching.OutcomeFull:
		if inv.Status == model.InvoiceStatusPaymentDetected {
			// Инвойс уже в PAYMENT_DETECTED: депозит привязан, событие
			// не порождается повторно.
			break
		}
		changed, err := s.repo.UpdateInvoiceStatus(ctx, inv.ID, inv.Status, model.InvoiceStatusPaymentDetected)
		if err != nil {
			return nil, true, err
		}
		if changed {
			from := inv.Status
			inv.Status = model.InvoiceStatusPaymentDetected
			changes = append(changes, model.StateChange{
				InvoiceID:     inv.ID,
				InvoiceNumber: inv.Number,
				From:          from,
				To:            inv.Status,
				Event:         model.EventPaymentDetected,
				TxID:          rec.TxID,
				Amount:        rec.Amount,
			})
		}
	case matching.OutcomePartial:
		from := inv.Status
		if inv.Status == model.InvoiceStatusSent {
			changed, err := s.repo.UpdateInvoiceStatus(ctx, inv.ID, inv.Status, model.InvoiceStatusPartiallyPaid)
			if err != nil {
				return nil, true, err
			}
			if changed {
				inv.Status = model.InvoiceStatusPartiallyPaid
			}
		}
		changes = append(changes, model.StateChange{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.Number,
			From:          from,
			To:            model.InvoiceStatusPartiallyPaid,
			Event:         model.EventPartialPayment,
			TxID:          rec.TxID,
			Amount:        rec.Amount,
		})
	}

	return changes, true, nil
}

// advanceConfirmations перечитывает подтверждения привязанных транзакций и
// переводит инвойс в PAID, когда все транзакции достигли порога своей валюты
// и накопленная сумма покрывает ожидаемую. Повторное наблюдение транзакции
// выше порога не порождает событие заново.
func (s *Service) advanceConfirmations(ctx context.Context, inv *model.Invoice, fresh map[string]exchange.DepositRecord) ([]model.StateChange, error) {
	if inv.Status != model.InvoiceStatusPaymentDetected {
		return nil, nil
	}

	threshold, ok := model.ConfirmationThreshold(inv.Currency)
	if !ok {
		return nil, fmt.Errorf("no confirmation threshold for currency %s", inv.Currency)
	}

	txs, err := s.repo.GetTransactionsByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}

	var observedTotal float64
	allConfirmed := true

	for _, t := range txs {
		confirmations := t.Confirmations

		if rec, seen := fresh[t.TxID]; seen {
			confirmations = rec.Confirmations
		} else {
			rec, fetchErr := s.exch.GetTransaction(ctx, t.TxID)
			if fetchErr != nil {
				// Подтверждения перечитаются на следующем тике.
				return nil, fmt.Errorf("refresh tx %s: %w", t.TxID, fetchErr)
			}
			confirmations = rec.Confirmations
		}

		if confirmations != t.Confirmations {
			if err := s.repo.UpdateTransactionConfirmations(ctx, t.TxID, confirmations); err != nil {
				return nil, err
			}
		}

		observedTotal += t.Amount
		if confirmations < threshold {
			allConfirmed = false
		}
	}

	if !allConfirmed {
		return nil, nil
	}
	if matching.Evaluate(inv.ExpectedAmount, observedTotal, s.tolerance) != matching.OutcomeFull {
		return nil, nil
	}

	paidAt := time.Now()
	changed, err := s.repo.MarkInvoicePaid(ctx, inv.ID, paidAt)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}

	from := inv.Status
	inv.Status = model.InvoiceStatusPaid
	inv.PaidAt = &paidAt

	return []model.StateChange{{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		From:          from,
		To:            model.InvoiceStatusPaid,
		Event:         model.EventPaymentConfirmed,
		Amount:        observedTotal,
	}}, nil
}
