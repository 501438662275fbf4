package reputation

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

// Filter is the parsed form of a search string such as
// `country:DE blocked:>=5 tier:high scanner`.
type Filter struct {
	Country    string
	ISP        string
	Range      string
	BlockedOp  string // one of >=, >, <=, <, =
	BlockedVal int
	Tier       string
	Text       []string
}

// Query is a list request.
type Query struct {
	Search string
	Sort   string // blocked, -blocked, last_activity, -last_activity, ip
	Page   int
	Limit  int
}

// Entry is a reputation row with its derived tier.
type Entry struct {
	models.IPReputation
	Tier string `json:"tier"`
}

var sortColumns = map[string]string{
	"blocked":        "blocked_times asc, ip",
	"-blocked":       "blocked_times desc, ip",
	"last_activity":  "last_activity asc, ip",
	"-last_activity": "last_activity desc, ip",
	"ip":             "ip",
}

// ParseFilter splits search into structured terms and free text. Values may be double-quoted.
// Unknown keys are kept as free text.
func ParseFilter(search string) (Filter, error) {
	var f Filter
	for _, tok := range tokenize(search) {
		key, val, ok := strings.Cut(tok, ":")
		if !ok || val == "" {
			f.Text = append(f.Text, tok)
			continue
		}
		switch strings.ToLower(key) {
		case "country":
			f.Country = val
		case "isp":
			f.ISP = val
		case "range":
			f.Range = val
		case "tier":
			tier := strings.ToLower(val)
			switch tier {
			case TierLow, TierMedium, TierHigh, TierCritical:
				f.Tier = tier
			default:
				return Filter{}, apperr.Validation("parse filter", "unknown tier %q", val)
			}
		case "blocked":
			op, num := splitComparison(val)
			n, err := strconv.Atoi(num)
			if err != nil || n < 0 {
				return Filter{}, apperr.Validation("parse filter", "invalid blocked threshold %q", val)
			}
			f.BlockedOp, f.BlockedVal = op, n
		default:
			f.Text = append(f.Text, tok)
		}
	}
	return f, nil
}

// splitComparison returns the operator prefix of v. A bare number is a threshold (>=).
func splitComparison(v string) (string, string) {
	for _, op := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(v, op) {
			return op, v[len(op):]
		}
	}
	return ">=", v
}

func tokenize(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case unicode.IsSpace(r) && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func tierBounds(tier string) (lo, hi int) {
	switch tier {
	case TierCritical:
		return 10, -1
	case TierHigh:
		return 5, 9
	case TierMedium:
		return 1, 4
	default:
		return 0, 0
	}
}

// List returns reputations matching q plus the unpaginated total.
func (t *Tracker) List(ctx context.Context, q Query) ([]Entry, int64, error) {
	f, err := ParseFilter(q.Search)
	if err != nil {
		return nil, 0, err
	}
	order, ok := sortColumns[q.Sort]
	if q.Sort == "" {
		order, ok = sortColumns["-last_activity"], true
	}
	if !ok {
		return nil, 0, apperr.Validation("list reputations", "unknown sort %q", q.Sort)
	}

	db := t.db.WithContext(ctx).Model(&models.IPReputation{})
	if f.Country != "" {
		db = db.Where("lower(country) = ?", strings.ToLower(f.Country))
	}
	if f.ISP != "" {
		db = db.Where(`lower(isp) LIKE ? ESCAPE '\'`, like(f.ISP))
	}
	if f.Range != "" {
		db = db.Where("ip_range = ?", f.Range)
	}
	if f.BlockedOp != "" {
		db = db.Where("blocked_times "+f.BlockedOp+" ?", f.BlockedVal)
	}
	if f.Tier != "" {
		lo, hi := tierBounds(f.Tier)
		db = db.Where("blocked_times >= ?", lo)
		if hi >= 0 {
			db = db.Where("blocked_times <= ?", hi)
		}
	}
	for _, term := range f.Text {
		l := like(term)
		db = db.Where(`(lower(ip) LIKE ? ESCAPE '\' OR lower(country) LIKE ? ESCAPE '\' OR lower(isp) LIKE ? ESCAPE '\' OR lower(ip_range) LIKE ? ESCAPE '\' OR lower(reasons) LIKE ? ESCAPE '\')`,
			l, l, l, l, l)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	var rows []models.IPReputation
	if err := db.Order(order).Offset((page - 1) * limit).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{IPReputation: r, Tier: TierFor(r.BlockedTimes)}
	}
	return out, total, nil
}

func like(s string) string {
	s = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.ToLower(s))
	return "%" + s + "%"
}
