package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task — периодическая задача процесса. Вызов получает контекст, отменяемый при Stop.
type Task func(ctx context.Context) error

// Runner — единый планировщик периодических задач процесса с жизненным циклом
// Start/Stop. Задачи регистрируются явно, поэтому тесты могут вызывать их напрямую,
// не дожидаясь таймеров.
type Runner struct {
	log zerolog.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries []entry
	cancel  context.CancelFunc
	started bool
}

type entry struct {
	name string
	spec string
	task Task
}

// NewRunner создаёт планировщик. Все расписания трактуются в UTC.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{log: logger}
}

// Add регистрирует задачу с cron-выражением (поддерживаются и @every-формы).
// Регистрация возможна только до Start.
func (r *Runner) Add(name, spec string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("periodic: runner already started")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	r.entries = append(r.entries, entry{name: name, spec: spec, task: task})
	return nil
}

// Start запускает все зарегистрированные задачи. Повторный вызов — no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	for _, e := range r.entries {
		e := e
		_, err := c.AddFunc(e.spec, func() {
			start := time.Now()
			if err := e.task(runCtx); err != nil {
				r.log.Error().Err(err).Str("task", e.name).Msg("periodic: задача завершилась ошибкой")
				return
			}
			r.log.Debug().Str("task", e.name).Dur("took", time.Since(start)).Msg("periodic: задача выполнена")
		})
		if err != nil {
			cancel()
			return fmt.Errorf("register task %s: %w", e.name, err)
		}
	}
	c.Start()
	r.c = c
	r.cancel = cancel
	r.started = true
	r.log.Info().Int("tasks", len(r.entries)).Msg("periodic: планировщик запущен")
	return nil
}

// Stop останавливает расписание и дожидается завершения запущенных задач.
// Идемпотентен.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	stopCtx := r.c.Stop()
	r.cancel()
	<-stopCtx.Done()
	r.started = false
	r.c = nil
	r.cancel = nil
	r.log.Info().Msg("periodic: планировщик остановлен")
}
