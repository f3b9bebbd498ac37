package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"publish-scheduler/internal/domain"
)

type memJobs struct {
	jobs  map[string]domain.PublishJob
	order []string
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]domain.PublishJob)}
}

func (m *memJobs) InsertJob(_ context.Context, job domain.PublishJob) error {
	if _, ok := m.jobs[job.ID]; ok {
		return errors.New("duplicate id")
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	return nil
}

func (m *memJobs) UpdateJob(_ context.Context, job domain.PublishJob) error {
	if _, ok := m.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (domain.PublishJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return domain.PublishJob{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (m *memJobs) MarkDue(_ context.Context, now time.Time) (int, error) {
	moved := 0
	for id, job := range m.jobs {
		if job.State == domain.JobStatePending && !job.ScheduledAt.After(now) {
			job.State = domain.JobStateDue
			m.jobs[id] = job
			moved++
		}
	}
	return moved, nil
}

func (m *memJobs) ListDue(_ context.Context) ([]domain.PublishJob, error) {
	index := make(map[string]int, len(m.order))
	for i, id := range m.order {
		index[id] = i
	}
	var due []domain.PublishJob
	for _, job := range m.jobs {
		if job.State == domain.JobStateDue {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return index[a.ID] < index[b.ID]
	})
	return due, nil
}

func (m *memJobs) ListByState(_ context.Context, state domain.JobState, _ int) ([]domain.PublishJob, error) {
	var out []domain.PublishJob
	for _, id := range m.order {
		if job := m.jobs[id]; job.State == state {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memJobs) CountByState(_ context.Context) (map[domain.JobState]int, error) {
	counts := make(map[domain.JobState]int)
	for _, job := range m.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (m *memJobs) RetryAbandoned(_ context.Context, ids []string, now time.Time) (int, error) {
	moved := 0
	for _, id := range ids {
		job, ok := m.jobs[id]
		if !ok || job.State != domain.JobStateAbandoned {
			continue
		}
		job.State = domain.JobStatePending
		job.Attempt = 0
		job.LastError = ""
		job.ScheduledAt = now
		m.jobs[id] = job
		moved++
	}
	return moved, nil
}

func (m *memJobs) ListPublishedSince(_ context.Context, since time.Time) ([]domain.PublishJob, error) {
	var out []domain.PublishJob
	for _, id := range m.order {
		job := m.jobs[id]
		if job.State == domain.JobStateSucceeded && job.PlatformVideoID != "" && !job.UpdatedAt.Before(since) {
			out = append(out, job)
		}
	}
	return out, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, payload domain.PublishPayload) (string, error)
	slot      domain.TimeSlot
}

func (f *fakePublisher) Publish(ctx context.Context, payload domain.PublishPayload) (string, error) {
	if f.publishFn == nil {
		return "video-1", nil
	}
	return f.publishFn(ctx, payload)
}

func (f *fakePublisher) GetAnalytics(context.Context, string) (domain.PerformanceSample, error) {
	return domain.PerformanceSample{}, errors.New("not implemented")
}

func (f *fakePublisher) OptimalUploadTimeDefault() domain.TimeSlot { return f.slot }

type stubRegistry map[domain.Platform]domain.PlatformPublisher

func (r stubRegistry) Lookup(p domain.Platform) (domain.PlatformPublisher, bool) {
	pub, ok := r[p]
	return pub, ok
}

func (r stubRegistry) Platforms() []domain.Platform {
	var out []domain.Platform
	for p := range r {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

var testNow = time.Date(2026, 8, 19, 10, 30, 0, 0, time.UTC)

func newTestService(jobs *memJobs, registry stubRegistry, limits map[domain.Platform]Limit, opts ...Option) *Service {
	windows := NewWindowSet(limits, fixedClock(testNow))
	base := []Option{WithClock(fixedClock(testNow))}
	return NewService(zerolog.Nop(), jobs, registry, windows, append(base, opts...)...)
}

func enqueueN(t *testing.T, s *Service, platform domain.Platform, n int) []domain.PublishJob {
	t.Helper()
	out := make([]domain.PublishJob, 0, n)
	for i := 0; i < n; i++ {
		job, err := s.Enqueue(context.Background(), domain.PublishJob{
			ContentID:   int64(i + 1),
			Platform:    platform,
			ScheduledAt: testNow.Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("не ожидали ошибку enqueue: %v", err)
		}
		out = append(out, job)
	}
	return out
}

func TestEnqueueValidation(t *testing.T) {
	jobs := newMemJobs()
	s := newTestService(jobs, stubRegistry{domain.PlatformYouTube: &fakePublisher{}}, nil)

	_, err := s.Enqueue(context.Background(), domain.PublishJob{ContentID: 1, Platform: domain.PlatformTikTok, ScheduledAt: testNow})
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("ожидали ErrInvalidJob для площадки без издателя, получили %v", err)
	}

	_, err = s.Enqueue(context.Background(), domain.PublishJob{ContentID: 1, Platform: domain.PlatformYouTube})
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("ожидали ErrInvalidJob для пустого scheduled_at, получили %v", err)
	}

	if len(jobs.jobs) != 0 {
		t.Fatalf("невалидные задачи не должны попадать в очередь")
	}
}

func TestTickRespectsHourlyLimit(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{}}
	s := newTestService(jobs, registry, map[domain.Platform]Limit{
		domain.PlatformYouTube: {PerHour: 2, PerDay: 10},
	})
	enqueueN(t, s, domain.PlatformYouTube, 3)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	counts, _ := jobs.CountByState(context.Background())
	if counts[domain.JobStateSucceeded] != 2 {
		t.Fatalf("ожидали 2 успешных, получили %d", counts[domain.JobStateSucceeded])
	}
	if counts[domain.JobStateDue] != 1 {
		t.Fatalf("ожидали 1 отложенную лимитом, получили %d", counts[domain.JobStateDue])
	}
}

func TestTickDispatchOrderDeterministic(t *testing.T) {
	jobs := newMemJobs()
	var published []string
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{
		publishFn: func(_ context.Context, payload domain.PublishPayload) (string, error) {
			published = append(published, payload.Title)
			return "video-" + payload.Title, nil
		},
	}}
	s := newTestService(jobs, registry, nil)

	for i, priority := range []int{5, 1, 3} {
		_, err := s.Enqueue(context.Background(), domain.PublishJob{
			ContentID:   int64(i + 1),
			Platform:    domain.PlatformYouTube,
			Payload:     domain.PublishPayload{Title: fmt.Sprint(priority)},
			ScheduledAt: testNow.Add(-time.Minute),
			Priority:    priority,
		})
		if err != nil {
			t.Fatalf("не ожидали ошибку enqueue: %v", err)
		}
	}

	due, _ := jobs.ListDue(context.Background())
	if len(due) != 0 {
		t.Fatalf("до tick задачи должны быть pending")
	}
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Меньший priority диспетчеризуется раньше.
	want := []string{"1", "3", "5"}
	if !reflect.DeepEqual(published, want) {
		t.Fatalf("ожидали порядок диспетчеризации %v, получили %v", want, published)
	}
}

func TestTransientFailureSchedulesBackoff(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{
		publishFn: func(context.Context, domain.PublishPayload) (string, error) {
			return "", errors.New("http 503")
		},
	}}
	retry := RetryPolicy{Base: 10 * time.Minute, MaxDelay: 6 * time.Hour, MaxAttempts: 5}
	s := newTestService(jobs, registry, nil, WithRetryPolicy(retry))
	created := enqueueN(t, s, domain.PlatformYouTube, 1)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	job, _ := jobs.GetJob(context.Background(), created[0].ID)
	if job.State != domain.JobStatePending {
		t.Fatalf("ожидали pending после временного отказа, получили %s", job.State)
	}
	if job.Attempt != 1 {
		t.Fatalf("ожидали attempt=1, получили %d", job.Attempt)
	}
	if job.LastError == "" {
		t.Fatalf("ожидали записанную причину отказа")
	}
	wantAt := testNow.Add(10 * time.Minute)
	if !job.ScheduledAt.Equal(wantAt) {
		t.Fatalf("ожидали повтор в %v, получили %v", wantAt, job.ScheduledAt)
	}
}

func TestPublishTimeoutCountsAsAttempt(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{
		publishFn: func(ctx context.Context, _ domain.PublishPayload) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}
	s := newTestService(jobs, registry, nil, WithPublishTimeout(10*time.Millisecond))
	created := enqueueN(t, s, domain.PlatformYouTube, 1)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	job, _ := jobs.GetJob(context.Background(), created[0].ID)
	if job.State != domain.JobStatePending {
		t.Fatalf("зависший вызов должен стать отказом, получили %s", job.State)
	}
	if job.Attempt != 1 {
		t.Fatalf("таймаут должен стоить ровно одну попытку, получили %d", job.Attempt)
	}
	if !job.ScheduledAt.After(testNow) {
		t.Fatalf("повтор должен быть в будущем")
	}
}

func TestPermanentFailureAbandonsImmediately(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{
		publishFn: func(context.Context, domain.PublishPayload) (string, error) {
			return "", domain.NewPermanentError(errors.New("content policy violation"))
		},
	}}
	s := newTestService(jobs, registry, nil)
	created := enqueueN(t, s, domain.PlatformYouTube, 1)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	job, _ := jobs.GetJob(context.Background(), created[0].ID)
	if job.State != domain.JobStateAbandoned {
		t.Fatalf("неповторяемый отказ должен сразу оставлять задачу, получили %s", job.State)
	}
	if job.Attempt != 1 {
		t.Fatalf("ожидали attempt=1, получили %d", job.Attempt)
	}
}

func TestRetryBudgetExhaustedAbandons(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{
		publishFn: func(context.Context, domain.PublishPayload) (string, error) {
			return "", errors.New("http 502")
		},
	}}
	s := newTestService(jobs, registry, nil, WithRetryPolicy(RetryPolicy{Base: time.Minute, MaxDelay: time.Hour, MaxAttempts: 2}))
	created := enqueueN(t, s, domain.PlatformYouTube, 1)

	// Каждый проход сдвигаем часы за горизонт backoff, чтобы задача снова была due.
	clock := testNow
	for i := 0; i < 2; i++ {
		s.now = fixedClock(clock)
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		clock = clock.Add(2 * time.Hour)
	}

	job, _ := jobs.GetJob(context.Background(), created[0].ID)
	if job.State != domain.JobStateAbandoned {
		t.Fatalf("после исчерпания бюджета ожидали abandoned, получили %s", job.State)
	}
	if job.Attempt != 2 {
		t.Fatalf("ожидали 2 попытки, получили %d", job.Attempt)
	}
}

func TestRetryAbandonedResetsAttempts(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{}}
	s := newTestService(jobs, registry, nil)
	created := enqueueN(t, s, domain.PlatformYouTube, 1)

	job := jobs.jobs[created[0].ID]
	job.State = domain.JobStateAbandoned
	job.Attempt = 5
	jobs.jobs[created[0].ID] = job

	moved, err := s.RetryAbandoned(context.Background(), []string{created[0].ID, "missing"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if moved != 1 {
		t.Fatalf("ожидали 1 возвращённую задачу, получили %d", moved)
	}
	job, _ = jobs.GetJob(context.Background(), created[0].ID)
	if job.State != domain.JobStatePending || job.Attempt != 0 {
		t.Fatalf("ожидали pending с attempt=0, получили %s/%d", job.State, job.Attempt)
	}
}

func TestStatusIsPureRead(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{}}
	s := newTestService(jobs, registry, map[domain.Platform]Limit{
		domain.PlatformYouTube: {PerHour: 2, PerDay: 10},
	})
	enqueueN(t, s, domain.PlatformYouTube, 2)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	first, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("два чтения статуса без tick должны совпадать: %+v != %+v", first, second)
	}
	window := first.Windows[domain.PlatformYouTube]
	if window.CurrentHour != 2 || window.MaxPerHour != 2 {
		t.Fatalf("ожидали окно 2/2, получили %+v", window)
	}
	if first.Counts[domain.JobStateSucceeded] != 2 {
		t.Fatalf("ожидали 2 успешных в статусе, получили %d", first.Counts[domain.JobStateSucceeded])
	}
	if _, ok := first.Counts[domain.JobStateAbandoned]; !ok {
		t.Fatalf("статус должен содержать все состояния, включая нулевые")
	}
}

func TestPauseStopsDispatchAndIsIdempotent(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{}}
	s := newTestService(jobs, registry, nil)
	enqueueN(t, s, domain.PlatformYouTube, 1)

	s.Pause()
	s.Pause()
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	counts, _ := jobs.CountByState(context.Background())
	if counts[domain.JobStateSucceeded] != 0 {
		t.Fatalf("на паузе диспетчеризации быть не должно")
	}
	if counts[domain.JobStatePending] != 1 {
		t.Fatalf("задача не должна теряться на паузе")
	}

	s.Resume()
	s.Resume()
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	counts, _ = jobs.CountByState(context.Background())
	if counts[domain.JobStateSucceeded] != 1 {
		t.Fatalf("после resume задача должна уйти в публикацию")
	}
}

func TestRecoverTreatsDispatchingAsFailed(t *testing.T) {
	jobs := newMemJobs()
	registry := stubRegistry{domain.PlatformYouTube: &fakePublisher{}}
	s := newTestService(jobs, registry, nil, WithRetryPolicy(RetryPolicy{Base: time.Minute, MaxDelay: time.Hour, MaxAttempts: 5}))
	created := enqueueN(t, s, domain.PlatformYouTube, 1)

	job := jobs.jobs[created[0].ID]
	job.State = domain.JobStateDispatching
	job.Attempt = 1
	jobs.jobs[created[0].ID] = job

	recovered, err := s.Recover(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("ожидали 1 восстановленную задачу, получили %d", recovered)
	}
	job, _ = jobs.GetJob(context.Background(), created[0].ID)
	if job.State != domain.JobStatePending {
		t.Fatalf("прерванная рестартом задача должна вернуться в pending, получили %s", job.State)
	}
	if job.Attempt != 1 {
		t.Fatalf("восстановление не должно добавлять попыток, получили %d", job.Attempt)
	}
	if !job.ScheduledAt.After(testNow) {
		t.Fatalf("повтор должен быть отложен backoff")
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	policy := RetryPolicy{Base: 10 * time.Minute, MaxDelay: time.Hour, MaxAttempts: 10}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 40 * time.Minute},
		{4, time.Hour},
		{9, time.Hour},
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt=%d: ожидали %v, получили %v", tc.attempt, tc.want, got)
		}
	}
}
