package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careq/appointment-booking/internal/db"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	BookRatio   float64
	CancelRatio float64
	QueueRatio  float64
	SlotLimit   int
	PostgresDSN string
}

type slotRef struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
}

type DataPool struct {
	Slots []slotRef
	Users []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) TakeRandomAppointment() (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.appointments))
	id := dp.appointments[idx]
	dp.appointments = append(dp.appointments[:idx], dp.appointments[idx+1:]...)
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, p50, p95
}

type Metrics struct {
	Book   OperationMetrics
	Cancel OperationMetrics
	Join   OperationMetrics
	Read   OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadSimConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	dataPool, err := loadDataPool(context.Background(), pool, cfg.SlotLimit)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded %d slots, %d synthetic users", len(dataPool.Slots), len(dataPool.Users))

	metrics := &Metrics{}
	client := &http.Client{Timeout: 10 * time.Second}

	deadline := time.Now().Add(cfg.Duration)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(cfg, dataPool, client, metrics, deadline)
		}()
	}
	wg.Wait()

	report(metrics)
}

func runWorker(cfg SimConfig, dp *DataPool, client *http.Client, m *Metrics, deadline time.Time) {
	for time.Now().Before(deadline) {
		r := rand.Float64()
		switch {
		case r < cfg.BookRatio:
			doBook(cfg, dp, client, m)
		case r < cfg.BookRatio+cfg.CancelRatio:
			doCancel(cfg, dp, client, m)
		case r < cfg.BookRatio+cfg.CancelRatio+cfg.QueueRatio:
			doJoinQueue(cfg, dp, client, m)
		default:
			doRead(cfg, dp, client, m)
		}
	}
}

func doBook(cfg SimConfig, dp *DataPool, client *http.Client, m *Metrics) {
	slot := dp.Slots[rand.Intn(len(dp.Slots))]
	user := dp.Users[rand.Intn(len(dp.Users))]

	body := map[string]any{
		"service_id": slot.ServiceID.String(),
		"slot_id":    slot.ID.String(),
	}

	status, resp, latency := post(client, cfg.APIBaseURL+"/appointments", user, body)
	m.Book.Record(latency, status)

	if status == http.StatusCreated {
		var parsed struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(resp, &parsed); err == nil {
			dp.AddAppointment(parsed.ID)
		}
	}
}

func doCancel(cfg SimConfig, dp *DataPool, client *http.Client, m *Metrics) {
	id, ok := dp.TakeRandomAppointment()
	if !ok {
		return
	}
	user := dp.Users[rand.Intn(len(dp.Users))]

	body := map[string]any{"reason": gofakeit.Sentence(4)}
	status, _, latency := post(client, fmt.Sprintf("%s/appointments/%s/cancel", cfg.APIBaseURL, id), user, body)
	m.Cancel.Record(latency, status)
}

func doJoinQueue(cfg SimConfig, dp *DataPool, client *http.Client, m *Metrics) {
	slot := dp.Slots[rand.Intn(len(dp.Slots))]
	user := dp.Users[rand.Intn(len(dp.Users))]

	body := map[string]any{
		"service_id": slot.ServiceID.String(),
		"slot_id":    slot.ID.String(),
	}
	status, _, latency := post(client, cfg.APIBaseURL+"/queue/tickets", user, body)
	m.Join.Record(latency, status)
}

func doRead(cfg SimConfig, dp *DataPool, client *http.Client, m *Metrics) {
	user := dp.Users[rand.Intn(len(dp.Users))]

	req, err := http.NewRequest(http.MethodGet, cfg.APIBaseURL+"/appointments", nil)
	if err != nil {
		return
	}
	req.Header.Set("X-User-ID", user.String())

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		m.Read.Record(latency, 0)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	m.Read.Record(latency, resp.StatusCode)
}

func post(client *http.Client, url string, user uuid.UUID, body map[string]any) (int, []byte, time.Duration) {
	data, _ := json.Marshal(body)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user.String())

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, payload, latency
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, slotLimit int) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, service_id
		FROM appointment_slots
		WHERE status <> 'cancelled' AND start_at > now()
		ORDER BY start_at ASC
		LIMIT $1
	`, slotLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dp := &DataPool{}
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.ID, &s.ServiceID); err != nil {
			return nil, err
		}
		dp.Slots = append(dp.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dp.Slots) == 0 {
		return nil, fmt.Errorf("no upcoming slots, run cmd/seed first")
	}

	for i := 0; i < 200; i++ {
		dp.Users = append(dp.Users, uuid.New())
	}

	return dp, nil
}

func report(m *Metrics) {
	print := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		log.Printf("%-8s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
			name, om.Total, om.Success, om.Conflict, om.Error, avg, p50, p95)
	}
	print("book", &m.Book)
	print("cancel", &m.Cancel)
	print("join", &m.Join)
	print("read", &m.Read)
}

func loadSimConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8080"),
		Duration:    30 * time.Second,
		Workers:     16,
		BookRatio:   0.4,
		CancelRatio: 0.2,
		QueueRatio:  0.2,
		SlotLimit:   200,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}

	if v := os.Getenv("SIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("SIM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
