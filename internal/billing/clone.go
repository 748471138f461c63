package billing

// Clone returns a deep copy of r. Decimal values are immutable and shared.
func (r Reservation) Clone() Reservation {
	out := r
	if r.BillingRecipient != nil {
		rec := *r.BillingRecipient
		out.BillingRecipient = &rec
	}
	if r.Rooms != nil {
		out.Rooms = make([]Room, len(r.Rooms))
		for idx, room := range r.Rooms {
			room.NightPrices = append([]NightPrice(nil), room.NightPrices...)
			out.Rooms[idx] = room
		}
	}
	out.Extras = append([]Extra(nil), r.Extras...)
	if r.Payments != nil {
		out.Payments = make([]Payment, len(r.Payments))
		for idx, p := range r.Payments {
			if p.ConfirmedDate != nil {
				at := *p.ConfirmedDate
				p.ConfirmedDate = &at
			}
			out.Payments[idx] = p
		}
	}
	if r.Invoices != nil {
		out.Invoices = make([]Invoice, len(r.Invoices))
		for idx, inv := range r.Invoices {
			out.Invoices[idx] = inv.clone()
		}
	}
	out.ActivityLog = append([]ActivityLogEntry(nil), r.ActivityLog...)
	return out
}

func (inv Invoice) clone() Invoice {
	inv.Items = append([]BillableItem(nil), inv.Items...)
	inv.LinkedPayments = append([]string(nil), inv.LinkedPayments...)
	return inv
}
