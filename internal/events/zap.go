package events

import (
	"math"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// msats per unit for each BOLT-11 amount multiplier
var invoiceMultipliers = map[byte]int64{
	'm': 100_000_000,
	'u': 100_000,
	'n': 100,
}

const msatsPerBitcoin = 100_000_000_000

// ParseZap extracts the zap receipt fields from kind 9735 tags
func ParseZap(tags nostr.Tags) *ZapPayload {
	zap := &ZapPayload{}

	for _, tag := range tags {
		if len(tag) < 2 {
			continue
		}

		switch tag[0] {
		case "e":
			zap.TargetEventID = tag[1]
		case "p":
			zap.TargetPubkey = tag[1]
		case "bolt11":
			zap.Bolt11 = tag[1]
		case "preimage":
			zap.Preimage = tag[1]
		case "description":
			// The description tag contains the zap request (kind 9734)
			if gjson.Valid(tag[1]) {
				request := gjson.Parse(tag[1])
				zap.SenderPubkey = request.Get("pubkey").String()
				zap.Comment = request.Get("content").String()
			}
		}
	}

	if msats, ok := ParseInvoiceAmount(zap.Bolt11); ok {
		zap.AmountMsats = msats
		zap.AmountSats = msats / 1000
		zap.AmountKnown = true
	}

	return zap
}

// ParseInvoiceAmount reads the amount from the human-readable part of a mainnet
// BOLT-11 invoice and returns it in millisatoshis. ok is false when the amount
// cannot be determined, which is distinct from a zero amount.
func ParseInvoiceAmount(invoice string) (msats int64, ok bool) {
	invoice = strings.ToLower(invoice)
	if !strings.HasPrefix(invoice, "lnbc") {
		return 0, false
	}

	sep := strings.LastIndexByte(invoice, '1')
	if sep < len("lnbc") {
		return 0, false
	}

	amount := invoice[len("lnbc"):sep]
	if amount == "" {
		return 0, false
	}

	multiplier := amount[len(amount)-1]
	digits := amount
	if multiplier < '0' || multiplier > '9' {
		digits = amount[:len(amount)-1]
	} else {
		multiplier = 0
	}

	if digits == "" {
		return 0, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}

	switch multiplier {
	case 0:
		return mulChecked(n, msatsPerBitcoin)
	case 'p':
		// one pico-bitcoin is a tenth of a millisatoshi
		if n%10 != 0 {
			return 0, false
		}
		return n / 10, true
	default:
		factor, known := invoiceMultipliers[multiplier]
		if !known {
			return 0, false
		}
		return mulChecked(n, factor)
	}
}

func mulChecked(n, factor int64) (int64, bool) {
	if n > math.MaxInt64/factor {
		return 0, false
	}
	return n * factor, true
}
