package billing

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RoomKey returns the stable item key of the room at index.
func RoomKey(index int) string {
	return "room-" + strconv.Itoa(index)
}

// ExtraKey returns the stable item key of an extra.
func ExtraKey(id int64) string {
	return "extra-" + strconv.FormatInt(id, 10)
}

// DeriveBillableItems lists every chargeable room stay and extra of r.
// Items with a non-positive amount are never listed.
func (e *Engine) DeriveBillableItems(r Reservation) ([]BillableItem, error) {
	items := make([]BillableItem, 0, len(r.Rooms)+len(r.Extras))
	for idx, room := range r.Rooms {
		amount := roomAmount(room)
		if !amount.IsPositive() {
			continue
		}
		if e.cfg.RoomVATRate.IsNegative() {
			return nil, &FieldError{Field: "roomVatRate", Reason: "must not be negative"}
		}
		items = append(items, BillableItem{
			Key:        RoomKey(idx),
			Type:       ItemRoom,
			RoomNumber: room.Number,
			Label:      roomLabel(room),
			Detail:     e.roomDetail(room),
			Amount:     amount,
			VATRate:    e.cfg.RoomVATRate,
		})
	}
	for _, extra := range r.Extras {
		amount := extra.Quantity.Mul(extra.UnitPrice)
		if !amount.IsPositive() {
			continue
		}
		if !extra.VATRate.Valid {
			return nil, &FieldError{Field: "vatRate", Reason: fmt.Sprintf("extra %q has no VAT rate", extra.Name)}
		}
		if extra.VATRate.Decimal.IsNegative() {
			return nil, &FieldError{Field: "vatRate", Reason: fmt.Sprintf("extra %q has a negative VAT rate", extra.Name)}
		}
		detail := fmt.Sprintf("%s × %s", e.fmt.quantity(extra.Quantity), e.fmt.money(extra.UnitPrice))
		if extra.RoomNumber != "" {
			detail += ", room " + extra.RoomNumber
		}
		items = append(items, BillableItem{
			Key:        ExtraKey(extra.ID),
			Type:       ItemExtra,
			RoomNumber: extra.RoomNumber,
			Label:      extra.Name,
			Detail:     detail,
			Amount:     amount,
			VATRate:    extra.VATRate.Decimal,
		})
	}
	return items, nil
}

// UninvoicedItems returns derived items not held by an active invoice or
// proforma. Credit notes and credited invoices release their items.
func (e *Engine) UninvoicedItems(r Reservation) ([]BillableItem, error) {
	items, err := e.DeriveBillableItems(r)
	if err != nil {
		return nil, err
	}
	held := invoicedKeys(r.Invoices)
	out := items[:0]
	for _, item := range items {
		if _, ok := held[item.Key]; ok {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func invoicedKeys(invoices []Invoice) map[string]struct{} {
	held := make(map[string]struct{})
	for _, inv := range invoices {
		if !inv.Active() {
			continue
		}
		for _, item := range inv.Items {
			held[item.Key] = struct{}{}
		}
	}
	return held
}

func roomAmount(room Room) decimal.Decimal {
	if room.PriceType == PriceFixed {
		return room.FixedPrice
	}
	total := decimal.Zero
	for _, night := range room.NightPrices {
		total = total.Add(night.Amount)
	}
	return total
}

func roomLabel(room Room) string {
	if room.Number == "" {
		return "Room"
	}
	return "Room " + room.Number
}

func (e *Engine) roomDetail(room Room) string {
	nights := nightCount(room)
	unit := "nights"
	if nights == 1 {
		unit = "night"
	}
	return fmt.Sprintf("%s, %d %s, %s – %s", room.Type, nights, unit, formatDate(room.CheckIn), formatDate(room.CheckOut))
}

// nightCount counts calendar dates between check-in and check-out as read in
// each timestamp's own location.
func nightCount(room Room) int {
	if !room.CheckIn.IsZero() && room.CheckOut.After(room.CheckIn) {
		return int(calendarDay(room.CheckOut).Sub(calendarDay(room.CheckIn)).Hours() / 24)
	}
	return len(room.NightPrices)
}

// calendarDay maps t's local date onto UTC midnight so day differences are
// free of offsets and DST.
func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
