package push

import (
	"github.com/shopspring/decimal"

	"github.com/ratepulse/ratepulse/internal/device"
)

// CallToAction is appended to every alert body.
const CallToAction = " Open RatePulse to review your alerts."

// Message is a rendered alert notification.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// AlertMessage renders the notification for a fired rule. val is the spot
// rate; pct is the change since the previous business day, required for
// percent rules.
func AlertMessage(r device.Rule, val float64, pct *float64) Message {
	rate := formatRate(val)
	data := map[string]string{
		"ruleId": r.ID,
		"pair":   r.Pair,
		"mode":   string(r.Mode),
		"dir":    string(r.Dir),
		"value":  rate,
	}

	var body string
	switch {
	case r.Mode == device.ModeValue && r.Dir == device.DirAbove:
		body = r.Pair + " rose to " + rate + ", at or above your target of " + formatRate(r.Threshold) + "."
	case r.Mode == device.ModeValue && r.Dir == device.DirBelow:
		body = r.Pair + " fell to " + rate + ", at or below your target of " + formatRate(r.Threshold) + "."
	default:
		change := 0.0
		if pct != nil {
			change = *pct
			data["pct"] = formatPercent(change)
		}
		body = r.Pair + " " + movement(change) + " since the last business day, now " + rate + "."
	}

	return Message{
		Title: r.Pair + " rate alert",
		Body:  body + CallToAction,
		Data:  data,
	}
}

// movement describes a percent change by its actual sign. A rule with a
// negative threshold can fire on a move against its direction.
func movement(change float64) string {
	rounded := decimal.NewFromFloat(change).Round(2)
	switch rounded.Sign() {
	case 1:
		return "is up " + rounded.String() + "%"
	case -1:
		return "is down " + rounded.Abs().String() + "%"
	default:
		return "is unchanged"
	}
}

func formatRate(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

func formatPercent(v float64) string {
	return decimal.NewFromFloat(v).Round(2).String()
}
