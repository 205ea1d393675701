package checkout

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/aromaticus/internal/domain/order"
	"github.com/xenking/aromaticus/internal/domain/shipping"
)

// Provider metadata values are limited to 500 characters; longer values are
// split across numbered keys.
const metadataValueLimit = 500

const (
	keyRef            = "ref"
	keyUserID         = "user_id"
	keyCouponCode     = "coupon_code"
	keyDiscountPct    = "discount_pct"
	keyShippingPrice  = "shipping_price"
	keyShippingMethod = "shipping_method"
	keyShippingInfo   = "shipping_info"
	keyCart           = "cart"
)

// Snapshot is the order-reconstruction data carried through the provider's
// metadata. It holds identifiers and quantities only; prices, names and
// images are looked up again when the payment completes.
type Snapshot struct {
	Ref             string
	UserID          string
	CouponCode      string
	DiscountPercent int
	ShippingPrice   decimal.Decimal
	ShippingMethod  shipping.Method
	Shipping        order.ShippingInfo
	Items           []SnapshotItem
}

// SnapshotItem identifies one purchased line.
type SnapshotItem struct {
	ProductID string
	Size      int
	Quantity  int
}

// EncodeMetadata serializes s into provider metadata.
func EncodeMetadata(s Snapshot) map[string]string {
	md := map[string]string{
		keyRef:            s.Ref,
		keyDiscountPct:    strconv.Itoa(s.DiscountPercent),
		keyShippingPrice:  s.ShippingPrice.StringFixed(2),
		keyShippingMethod: string(s.ShippingMethod),
	}
	if s.UserID != "" {
		md[keyUserID] = s.UserID
	}
	if s.CouponCode != "" {
		md[keyCouponCode] = s.CouponCode
	}
	putChunked(md, keyShippingInfo, encodeShippingInfo(s.Shipping))
	putChunked(md, keyCart, encodeCart(s.Items))
	return md
}

// MetadataRef returns the reservation reference without decoding the rest.
func MetadataRef(md map[string]string) string {
	return md[keyRef]
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(md map[string]string) (*Snapshot, error) {
	s := &Snapshot{
		Ref:            md[keyRef],
		UserID:         md[keyUserID],
		CouponCode:     md[keyCouponCode],
		ShippingMethod: shipping.ParseMethod(md[keyShippingMethod]),
	}
	if s.Ref == "" {
		return nil, errors.New("missing checkout reference")
	}

	if v := md[keyDiscountPct]; v != "" {
		pct, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(err, "discount percent")
		}
		s.DiscountPercent = pct
	}
	if v := md[keyShippingPrice]; v != "" {
		price, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.Wrap(err, "shipping price")
		}
		s.ShippingPrice = price
	}

	info, err := getChunked(md, keyShippingInfo)
	if err != nil {
		return nil, err
	}
	if s.Shipping, err = decodeShippingInfo(info); err != nil {
		return nil, errors.Wrap(err, "shipping info")
	}

	cart, err := getChunked(md, keyCart)
	if err != nil {
		return nil, err
	}
	if s.Items, err = decodeCart(cart); err != nil {
		return nil, errors.Wrap(err, "cart")
	}
	if len(s.Items) == 0 {
		return nil, errors.New("cart snapshot is empty")
	}
	return s, nil
}

func putChunked(md map[string]string, key, value string) {
	if len(value) <= metadataValueLimit {
		md[key] = value
		return
	}
	n := 0
	for start := 0; start < len(value); n++ {
		end := min(start+metadataValueLimit, len(value))
		// Never split a multi-byte character between chunks.
		for end < len(value) && end > start && !utf8.RuneStart(value[end]) {
			end--
		}
		md[key+"_"+strconv.Itoa(n)] = value[start:end]
		start = end
	}
	md[key+"_chunks"] = strconv.Itoa(n)
}

func getChunked(md map[string]string, key string) (string, error) {
	if v, ok := md[key]; ok {
		return v, nil
	}
	v, ok := md[key+"_chunks"]
	if !ok {
		return "", errors.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return "", errors.Errorf("bad %s chunk count %q", key, v)
	}
	var b strings.Builder
	for i := range n {
		part, ok := md[key+"_"+strconv.Itoa(i)]
		if !ok {
			return "", errors.Errorf("missing %s chunk %d", key, i)
		}
		b.WriteString(part)
	}
	return b.String(), nil
}

func encodeShippingInfo(info order.ShippingInfo) string {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("name", func(e *jx.Encoder) { e.Str(info.FullName) })
		e.Field("email", func(e *jx.Encoder) { e.Str(info.Email) })
		e.Field("line1", func(e *jx.Encoder) { e.Str(info.AddressLine1) })
		if info.AddressLine2 != "" {
			e.Field("line2", func(e *jx.Encoder) { e.Str(info.AddressLine2) })
		}
		e.Field("city", func(e *jx.Encoder) { e.Str(info.City) })
		e.Field("postcode", func(e *jx.Encoder) { e.Str(info.Postcode) })
		if info.Country != "" {
			e.Field("country", func(e *jx.Encoder) { e.Str(info.Country) })
		}
	})
	return e.String()
}

func decodeShippingInfo(raw string) (order.ShippingInfo, error) {
	var info order.ShippingInfo
	err := jx.DecodeStr(raw).Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "name":
			dst = &info.FullName
		case "email":
			dst = &info.Email
		case "line1":
			dst = &info.AddressLine1
		case "line2":
			dst = &info.AddressLine2
		case "city":
			dst = &info.City
		case "postcode":
			dst = &info.Postcode
		case "country":
			dst = &info.Country
		default:
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrap(err, key)
		}
		*dst = v
		return nil
	})
	if info.Country == "" {
		info.Country = order.DefaultCountry
	}
	return info, err
}

// Cart lines use single-letter keys to stay within the metadata limit.
func encodeCart(items []SnapshotItem) string {
	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for _, it := range items {
			e.Obj(func(e *jx.Encoder) {
				e.Field("p", func(e *jx.Encoder) { e.Str(it.ProductID) })
				e.Field("s", func(e *jx.Encoder) { e.Int(it.Size) })
				e.Field("q", func(e *jx.Encoder) { e.Int(it.Quantity) })
			})
		}
	})
	return e.String()
}

func decodeCart(raw string) ([]SnapshotItem, error) {
	var items []SnapshotItem
	err := jx.DecodeStr(raw).Arr(func(d *jx.Decoder) error {
		var it SnapshotItem
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "p":
				it.ProductID, err = d.Str()
			case "s":
				it.Size, err = d.Int()
			case "q":
				it.Quantity, err = d.Int()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		if it.ProductID == "" || it.Size <= 0 || it.Quantity <= 0 {
			return errors.Errorf("invalid cart line %+v", it)
		}
		items = append(items, it)
		return nil
	})
	return items, err
}
