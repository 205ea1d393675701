// Package shipping prices UK deliveries by postcode area.
package shipping

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Method is the delivery speed chosen at checkout.
type Method string

const (
	// MethodStandard is the default delivery method.
	MethodStandard Method = "standard"
	// MethodExpress adds ExpressUplift to the zone price.
	MethodExpress Method = "express"
)

// ParseMethod maps client input to a Method. Anything other than
// "express" is standard.
func ParseMethod(s string) Method {
	if strings.EqualFold(strings.TrimSpace(s), string(MethodExpress)) {
		return MethodExpress
	}
	return MethodStandard
}

// Zone is a shipping price tier.
type Zone int

const (
	ZoneDefault Zone = iota
	ZoneLocal
	ZoneLondon
	ZoneRemote
)

var (
	// FreeThreshold is the discounted subtotal from which standard
	// delivery is free.
	FreeThreshold = decimal.RequireFromString("50.00")
	// ExpressUplift is added on top of the zone price for express delivery.
	ExpressUplift = decimal.RequireFromString("5.00")

	zonePrices = map[Zone]decimal.Decimal{
		ZoneLocal:   decimal.RequireFromString("4.00"),
		ZoneLondon:  decimal.RequireFromString("6.00"),
		ZoneDefault: decimal.RequireFromString("8.00"),
		ZoneRemote:  decimal.RequireFromString("15.00"),
	}

	zoneAreas = map[string]Zone{
		"CT": ZoneLocal, "ME": ZoneLocal, "TN": ZoneLocal,

		"SE": ZoneLondon, "SW": ZoneLondon, "E": ZoneLondon, "W": ZoneLondon,
		"N": ZoneLondon, "NW": ZoneLondon, "EC": ZoneLondon, "WC": ZoneLondon,
		"BR": ZoneLondon, "DA": ZoneLondon,

		"AB": ZoneRemote, "IV": ZoneRemote, "HS": ZoneRemote,
		"KW": ZoneRemote, "ZE": ZoneRemote, "BT": ZoneRemote,
	}
)

// Price returns the base price of the zone.
func (z Zone) Price() decimal.Decimal {
	return zonePrices[z]
}

// normalize upper-cases the postcode and drops all whitespace.
func normalize(postcode string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, postcode)
}

// Prefix returns the postcode area code used for zoning: the first two
// characters, or only the first one when the second is a digit ("E1" is
// area "E"). It returns "" for postcodes shorter than two characters.
func Prefix(postcode string) string {
	p := normalize(postcode)
	if len(p) < 2 {
		return ""
	}
	if p[1] >= '0' && p[1] <= '9' {
		return p[:1]
	}
	return p[:2]
}

// ZoneOf classifies a postcode. Unknown areas fall into ZoneDefault.
func ZoneOf(postcode string) Zone {
	if z, ok := zoneAreas[Prefix(postcode)]; ok {
		return z
	}
	return ZoneDefault
}

// Compute returns the shipping price for a postcode, delivery method and
// cart subtotal. A postcode shorter than two characters is treated as not
// yet known and costs nothing.
func Compute(postcode string, method Method, subtotal decimal.Decimal) decimal.Decimal {
	if len(normalize(postcode)) < 2 {
		return decimal.Zero
	}
	if method != MethodExpress && subtotal.GreaterThanOrEqual(FreeThreshold) {
		return decimal.Zero
	}

	price := ZoneOf(postcode).Price()
	if method == MethodExpress {
		price = price.Add(ExpressUplift)
	}
	return price.Round(2)
}
