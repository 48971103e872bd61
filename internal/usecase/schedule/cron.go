package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"rss-digest/internal/domain"
)

// maxScanSteps ограничивает поиск одного срабатывания в NextFireTimes.
const maxScanSteps = 1000

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Cron — разобранное пятипольное выражение. Каждое поле хранится битовой маской.
// День месяца и день недели объединяются по И, а не по ИЛИ, как в классическом cron.
type Cron struct {
	minute, hour, dom, month, dow uint64
}

// ParseCron разбирает выражение вида "*/5 8-18 * * 1-5".
func ParseCron(expr string) (Cron, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return Cron{}, fmt.Errorf("%w: expected 5 fields, got %d", domain.ErrInvalidCron, len(parts))
	}
	var masks [5]uint64
	for i, raw := range parts {
		mask, err := parseCronField(raw, cronFields[i])
		if err != nil {
			return Cron{}, err
		}
		masks[i] = mask
	}
	return Cron{minute: masks[0], hour: masks[1], dom: masks[2], month: masks[3], dow: masks[4]}, nil
}

func parseCronField(raw string, f cronField) (uint64, error) {
	var mask uint64
	for _, item := range strings.Split(raw, ",") {
		bad := func() error {
			return fmt.Errorf("%w: %s field %q", domain.ErrInvalidCron, f.name, raw)
		}
		rangePart, stepPart, hasStep := strings.Cut(item, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n <= 0 {
				return 0, bad()
			}
			step = n
		}
		var lo, hi int
		switch {
		case rangePart == "*":
			lo, hi = f.min, f.max
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var errA, errB error
			lo, errA = strconv.Atoi(a)
			hi, errB = strconv.Atoi(b)
			if errA != nil || errB != nil || lo > hi {
				return 0, bad()
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, bad()
			}
			lo, hi = n, n
			// n/s открыт вверх до конца диапазона поля
			if hasStep {
				hi = f.max
			}
		}
		if lo < f.min || hi > f.max {
			return 0, bad()
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}

// Matches сообщает, подходит ли минута t под выражение. Используется зона t.
func (c Cron) Matches(t time.Time) bool {
	return has(c.minute, t.Minute()) && has(c.hour, t.Hour()) && c.matchesDay(t)
}

func (c Cron) matchesDay(t time.Time) bool {
	return has(c.dom, t.Day()) && has(c.month, int(t.Month())) && has(c.dow, int(t.Weekday()))
}

// Next возвращает до n срабатываний строго после from.
// Несовпадающие дни и часы пропускаются целиком; каждое срабатывание ищется
// не дольше maxScanSteps шагов, поэтому невозможные выражения дают меньше n результатов.
func (c Cron) Next(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from.Truncate(time.Minute).Add(time.Minute)
	for len(out) < n {
		found := false
		for step := 0; step < maxScanSteps; step++ {
			y, m, d := t.Date()
			switch {
			case !c.matchesDay(t):
				t = time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
			case !has(c.hour, t.Hour()):
				t = time.Date(y, m, d, t.Hour()+1, 0, 0, 0, t.Location())
			case !has(c.minute, t.Minute()):
				t = t.Add(time.Minute)
			default:
				found = true
			}
			if found {
				break
			}
		}
		if !found {
			return out
		}
		out = append(out, t)
		t = t.Add(time.Minute)
	}
	return out
}

func has(mask uint64, v int) bool {
	return mask&(1<<uint(v)) != 0
}

// Validate сообщает, корректно ли выражение.
func Validate(expr string) bool {
	_, err := ParseCron(expr)
	return err == nil
}

// MatchesMinute сообщает, срабатывает ли выражение в минуту t. Некорректное выражение не срабатывает.
func MatchesMinute(expr string, t time.Time) bool {
	c, err := ParseCron(expr)
	if err != nil {
		return false
	}
	return c.Matches(t)
}

// NextFireTimes возвращает до n ближайших срабатываний после from.
func NextFireTimes(expr string, from time.Time, n int) ([]time.Time, error) {
	c, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return c.Next(from, n), nil
}
