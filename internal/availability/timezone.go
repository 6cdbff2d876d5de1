package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// loadLocation возвращает зону по имени IANA. Неизвестное или пустое имя
// даёт UTC; это не ошибка, вызывающая сторона логирует отклонение.
func loadLocation(name string) (*time.Location, bool) {
	if name == "" {
		return time.UTC, false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// localToUTC переводит настенное время именованной зоны в момент UTC.
// Переводы часов учитываются базой зон: настенное время внутри
// весеннего «пропавшего» часа нормализуется вперёд, а не теряется.
func localToUTC(loc *time.Location, year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, loc).UTC()
}

// parseClock разбирает локальное время вида "HH:MM".
func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock value %q", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}

	min, err := strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}

	return hour, min, nil
}
