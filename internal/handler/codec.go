package handler

import (
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

type placeOrderBody struct {
	Items         []order.Item
	PaymentMethod string
	CouponCode    string
	UseCredits    bool
}

// decodePlaceOrder parses
// {"items":[{"name","price","quantity"}],"paymentMethod","couponCode","useCredits"}.
// Unknown fields are ignored.
func decodePlaceOrder(data []byte) (placeOrderBody, error) {
	var b placeOrderBody
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				it, err := decodeItem(d)
				if err != nil {
					return err
				}
				b.Items = append(b.Items, it)
				return nil
			})
		case "paymentMethod":
			b.PaymentMethod, err = d.Str()
		case "couponCode":
			if d.Next() == jx.Null {
				return d.Null()
			}
			b.CouponCode, err = d.Str()
		case "useCredits":
			b.UseCredits, err = d.Bool()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		return nil
	})
	if err != nil {
		return placeOrderBody{}, errors.Wrap(err, "invalid order body")
	}
	return b, nil
}

func decodeItem(d *jx.Decoder) (order.Item, error) {
	var it order.Item
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "name":
			it.Name, err = d.Str()
		case "price":
			it.UnitPrice, err = d.Int64()
		case "quantity":
			it.Quantity, err = d.Int()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode item %s", key)
		}
		return nil
	})
	return it, err
}

// decodeStatus parses {"status": "..."}.
func decodeStatus(data []byte) (string, error) {
	var (
		status string
		found  bool
	)
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "status" {
			return d.Skip()
		}
		found = true
		var err error
		status, err = d.Str()
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "invalid status body")
	}
	if !found {
		return "", errors.New("status is required")
	}
	return status, nil
}

func timeStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeOrder(o *order.Order) *jx.Encoder {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("accountId", func(e *jx.Encoder) { e.Str(o.AccountID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
						e.Field("price", func(e *jx.Encoder) { e.Int64(it.UnitPrice) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
					})
				}
			})
		})
		e.Field("subtotal", func(e *jx.Encoder) { e.Int64(o.Subtotal) })
		if o.CouponCode != "" {
			e.Field("couponCode", func(e *jx.Encoder) { e.Str(o.CouponCode) })
		}
		e.Field("couponDiscount", func(e *jx.Encoder) { e.Int64(o.CouponDiscount) })
		e.Field("total", func(e *jx.Encoder) { e.Int64(o.Total) })
		e.Field("creditsRedeemed", func(e *jx.Encoder) { e.Int64(o.CreditsRedeemed) })
		e.Field("chargedAmount", func(e *jx.Encoder) { e.Int64(o.ChargedAmount) })
		e.Field("paymentMethod", func(e *jx.Encoder) { e.Str(string(o.PaymentMethod)) })
		e.Field("xpEarned", func(e *jx.Encoder) { e.Int64(o.XPEarned) })
		e.Field("creditsEarned", func(e *jx.Encoder) { e.Int64(o.CreditsEarned) })
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(timeStr(o.CreatedAt)) })
		e.Field("updatedAt", func(e *jx.Encoder) { e.Str(timeStr(o.UpdatedAt)) })
	})
	return &e
}

func encodeAccount(acc *account.Account) *jx.Encoder {
	p := acc.RankProgress()
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(acc.ID) })
		e.Field("balance", func(e *jx.Encoder) { e.Int64(acc.BalanceMinor) })
		e.Field("credits", func(e *jx.Encoder) { e.Int64(acc.Credits) })
		e.Field("xp", func(e *jx.Encoder) { e.Int64(acc.XP) })
		e.Field("rank", func(e *jx.Encoder) { e.Str(acc.Rank.String()) })
		if p.HasNext {
			e.Field("nextRank", func(e *jx.Encoder) { e.Str(p.Next.String()) })
			e.Field("xpToNextRank", func(e *jx.Encoder) { e.Int64(p.XPToNext) })
		}
		e.Field("redeemedCoupons", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, code := range slices.Sorted(maps.Keys(acc.RedeemedCoupons)) {
					e.Str(code)
				}
			})
		})
		e.Field("transactions", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, tr := range acc.Transactions {
					e.Obj(func(e *jx.Encoder) {
						e.Field("kind", func(e *jx.Encoder) { e.Str(string(tr.Kind)) })
						e.Field("balance", func(e *jx.Encoder) { e.Str(string(tr.Balance)) })
						e.Field("amount", func(e *jx.Encoder) { e.Int64(tr.Amount) })
						e.Field("description", func(e *jx.Encoder) { e.Str(tr.Description) })
						if tr.OrderID != "" {
							e.Field("orderId", func(e *jx.Encoder) { e.Str(tr.OrderID) })
						}
						e.Field("createdAt", func(e *jx.Encoder) { e.Str(timeStr(tr.CreatedAt)) })
					})
				}
			})
		})
	})
	return &e
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	writeJSON(w, status, encodeOrder(o))
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
