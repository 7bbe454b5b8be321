package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxDueScan — предел итераций при поиске последнего срабатывания в окне.
const maxDueScan = 10000

// ParseSchedule разбирает cron-выражение scheduled trigger.
//
// Формат: 5 полей (minute hour dom month dow), дескрипторы
// (@hourly, @daily, @every 15m) и префикс CRON_TZ=<zone>.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// LastDue возвращает последний момент срабатывания в интервале (from, to].
//
// Пропущенные срабатывания схлопываются: за один тик pipeline
// запускается не больше одного раза.
func LastDue(sched cron.Schedule, from, to time.Time) (time.Time, bool) {
	var last time.Time
	next := sched.Next(from)
	for i := 0; i < maxDueScan && !next.IsZero() && !next.After(to); i++ {
		last = next
		next = sched.Next(next)
	}
	return last, !last.IsZero()
}
