package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	mu     sync.Mutex
	calls  int
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordingRecorder struct {
	counts []int
}

func (r *recordingRecorder) RecordSessionsCleaned(count int) {
	r.counts = append(r.counts, count)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogValue はJSONログからkeyを持つ最初のエントリの値を返す。
func findLogValue(buf *bytes.Buffer, key string) (interface{}, bool) {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestNewCleanupJob_DefaultGracePeriod(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, nil, nil)

	if job.GracePeriod != time.Hour {
		t.Errorf("GracePeriod = %v, want 1h", job.GracePeriod)
	}
}

func TestCleanupJob_Run_DeletesExpiredSessions(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	rec := &recordingRecorder{}
	job := NewCleanupJob(mock, rec, newTestLogger(&buf))

	before := time.Now()
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !strings.Contains(mock.query, "DELETE FROM sessions") || !strings.Contains(mock.query, "expires_at") {
		t.Errorf("想定外のクエリ: %s", mock.query)
	}

	// 猶予期間分だけ過去の時刻が渡されること
	cutoff, ok := mock.args[0].(time.Time)
	if !ok {
		t.Fatalf("第1引数が time.Time ではない: %T", mock.args[0])
	}
	if want := before.Add(-time.Hour); cutoff.Before(want.Add(-time.Second)) || cutoff.After(time.Now().Add(-time.Hour)) {
		t.Errorf("cutoff = %v, want about %v", cutoff, want)
	}

	if len(rec.counts) != 1 || rec.counts[0] != 5 {
		t.Errorf("recorded counts = %v, want [5]", rec.counts)
	}
	if count, ok := findLogValue(&buf, "deleted_count"); !ok || count != float64(5) {
		t.Errorf("ログに deleted_count=5 が記録されていない。ログ出力: %s", buf.String())
	}
	if _, ok := findLogValue(&buf, "duration_ms"); !ok {
		t.Errorf("ログに duration_ms が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_CustomGracePeriod(t *testing.T) {
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, nil, newTestLogger(&bytes.Buffer{}))
	job.GracePeriod = 0

	before := time.Now()
	_ = job.Run(context.Background())

	cutoff := mock.args[0].(time.Time)
	if cutoff.Before(before) {
		t.Errorf("cutoff = %v, should not be before %v", cutoff, before)
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	rec := &recordingRecorder{}
	job := NewCleanupJob(mock, rec, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
	if len(rec.counts) != 0 {
		t.Error("失敗時は件数を記録しない")
	}
}

// 削除対象がなくてもエラーにならず、0件が記録されること
func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	rec := &recordingRecorder{}
	job := NewCleanupJob(mock, rec, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
	if len(rec.counts) != 2 || rec.counts[1] != 0 {
		t.Errorf("recorded counts = %v, want [0 0]", rec.counts)
	}
	if count, ok := findLogValue(&buf, "deleted_count"); !ok || count != float64(0) {
		t.Errorf("0件削除時にもログに deleted_count=0 が記録されるべき。ログ出力: %s", buf.String())
	}
}

// Startは起動直後に1回実行し、キャンセルで終了すること
func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, nil, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Start did not run the job immediately")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCleanupJob_Start_RunsOnTick(t *testing.T) {
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, nil, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go job.Start(ctx, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for mock.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("calls = %d, want >= 3", mock.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// 0以下の間隔ではジョブを実行せずに戻ること（NewTickerのpanicでサーバーを落とさない）
func TestCleanupJob_Start_NonPositiveIntervalReturns(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Minute} {
		t.Run(interval.String(), func(t *testing.T) {
			mock := &mockExecutor{result: &fakeResult{}}
			var buf bytes.Buffer
			job := NewCleanupJob(mock, nil, newTestLogger(&buf))

			done := make(chan struct{})
			go func() {
				defer close(done)
				job.Start(context.Background(), interval)
			}()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Start should return immediately for a non-positive interval")
			}
			if mock.callCount() != 0 {
				t.Errorf("calls = %d, want 0", mock.callCount())
			}
			if !strings.Contains(buf.String(), "interval must be positive") {
				t.Errorf("expected error log, got %s", buf.String())
			}
		})
	}
}
