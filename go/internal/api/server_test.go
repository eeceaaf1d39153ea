package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriBatch/go/internal/batch"
	"veriBatch/go/internal/db"
	"veriBatch/go/internal/ledger"
	"veriBatch/go/internal/message"
	"veriBatch/go/internal/prover"
	"veriBatch/go/internal/service"
)

func newTestServer(t *testing.T, domain message.Domain) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := db.NewRedis(mr.Addr(), "", 0)

	key, err := prover.GenerateKey()
	require.NoError(t, err)
	signer, err := prover.NewSigner(key, 64, nil)
	require.NoError(t, err)
	program, err := batch.New(signer, batch.Options{Domain: domain}, nil)
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	contract, err := ledger.NewContract(store, signer, ledger.Options{Program: batch.ProgramName}, nil)
	require.NoError(t, err)
	require.NoError(t, contract.Deploy(context.Background()))

	svc, err := service.NewBatchService(service.Config{BatchSize: 1000, BatchTimeout: time.Hour}, service.Deps{
		Program:  program,
		Contract: contract,
		Queue:    db.NewQueue(rdb, time.Hour),
		Receipts: store,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer("", svc, program.Domain(), nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Shutdown(context.Background())
		rdb.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	_ = dec.Decode(&out)
	return resp.StatusCode, out
}

func msgBody(id uint64, m message.Message) string {
	return fmt.Sprintf(`{"message_id":%d,"agent_id":%d,"x":%d,"y":%d,"checksum":%d}`, id, m.AgentID, m.X, m.Y, m.Checksum)
}

func openBatch(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	status, body := do(t, ts, http.MethodPost, "/batches", nil)
	require.Equal(t, http.StatusCreated, status)
	id, ok := body["batch_id"].(string)
	require.True(t, ok)
	return id
}

var (
	good = message.Message{AgentID: 1, X: 10, Y: 5000}.WithChecksum()
	bad  = message.Message{AgentID: 1, X: 10, Y: 5000, Checksum: 1}
)

func TestHealth(t *testing.T) {
	ts := newTestServer(t, message.DefaultDomain)
	status, body := do(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestBatchLifecycle(t *testing.T) {
	ts := newTestServer(t, message.DefaultDomain)
	id := openBatch(t, ts)

	for _, sub := range []struct {
		id  uint64
		msg message.Message
	}{{5, good}, {3, good}, {50, bad}} {
		status, _ := do(t, ts, http.MethodPost, "/batches/"+id+"/messages", msgBody(sub.id, sub.msg))
		require.Equal(t, http.StatusAccepted, status)
	}

	status, body := do(t, ts, http.MethodPost, "/batches/"+id+"/fold", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("3"), body["steps"])
	cert := body["certificate"].(map[string]interface{})
	assert.Equal(t, json.Number("5"), cert["public_output"])

	status, body = do(t, ts, http.MethodPost, "/batches/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("5"), body["current"])
	assert.Equal(t, false, body["stale"])

	status, body = do(t, ts, http.MethodPost, "/batches/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["stale"])

	status, body = do(t, ts, http.MethodGet, "/ledger", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("5"), body["highest_message_id"])

	status, body = do(t, ts, http.MethodGet, "/ledger/receipts?limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["receipts"], 1)

	status, _ = do(t, ts, http.MethodGet, "/batches/"+id+"/steps", nil)
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	ts := newTestServer(t, message.DefaultDomain)
	id := openBatch(t, ts)
	path := "/batches/" + id + "/messages"

	status, _ := do(t, ts, http.MethodPost, path, msgBody(1, good), "Idempotency-Key", "abc")
	assert.Equal(t, http.StatusAccepted, status)
	status, body := do(t, ts, http.MethodPost, path, msgBody(1, good), "Idempotency-Key", "abc")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	_, body = do(t, ts, http.MethodGet, "/batches/"+id+"/tip", nil)
	assert.Equal(t, json.Number("1"), body["pending"])
}

func TestProcessForgedCertificate(t *testing.T) {
	ts := newTestServer(t, message.DefaultDomain)
	id := openBatch(t, ts)
	do(t, ts, http.MethodPost, "/batches/"+id+"/messages", msgBody(7, good))
	_, body := do(t, ts, http.MethodPost, "/batches/"+id+"/fold", nil)

	cert := body["certificate"].(map[string]interface{})
	cert["public_output"] = 1_000_000
	status, _ := do(t, ts, http.MethodPost, "/ledger/process", cert)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	cert["public_output"] = 7
	status, body = do(t, ts, http.MethodPost, "/ledger/process", cert)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("7"), body["current"])
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t, message.Domain{Bits: 16})
	id := openBatch(t, ts)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown batch", http.MethodGet, "/batches/nope/tip", nil, http.StatusNotFound},
		{"unknown batch fold", http.MethodPost, "/batches/nope/fold", nil, http.StatusNotFound},
		{"submit to unknown batch", http.MethodPost, "/batches/nope/messages", msgBody(1, good), http.StatusNotFound},
		{"outside domain", http.MethodPost, "/batches/" + id + "/messages", msgBody(1<<20, good), http.StatusBadRequest},
		{"negative", http.MethodPost, "/batches/" + id + "/messages", `{"message_id":-1,"agent_id":0,"x":0,"y":0,"checksum":0}`, http.StatusBadRequest},
		{"fraction", http.MethodPost, "/batches/" + id + "/messages", `{"message_id":1.5,"agent_id":0,"x":0,"y":0,"checksum":0}`, http.StatusBadRequest},
		{"missing field", http.MethodPost, "/batches/" + id + "/messages", `{"message_id":1}`, http.StatusBadRequest},
		{"malformed", http.MethodPost, "/batches/" + id + "/messages", `{`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/ledger/process", `{"foo":1}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/ledger/receipts?limit=0", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := do(t, ts, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestValidate(t *testing.T) {
	ts := newTestServer(t, message.DefaultDomain)

	status, body := do(t, ts, http.MethodPost, "/messages/validate", `{"agent_id":0,"x":99999,"y":1,"checksum":7}`)
	require.Equal(t, http.StatusOK, status)
	report := body["report"].(map[string]interface{})
	assert.Equal(t, true, report["exempt"])
	assert.Equal(t, true, report["valid"])
	assert.Equal(t, false, report["x_range"])

	status, body = do(t, ts, http.MethodPost, "/messages/validate", msgBody(0, bad))
	require.Equal(t, http.StatusOK, status)
	report = body["report"].(map[string]interface{})
	assert.Equal(t, false, report["checksum"])
	assert.Equal(t, false, report["valid"])

	status, _ = do(t, ts, http.MethodPost, "/messages/validate", `{"agent_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("wrap: %w", ledger.ErrForeignCertificate): http.StatusUnprocessableEntity,
		fmt.Errorf("wrap: %w", batch.ErrVerification):        http.StatusUnprocessableEntity,
		service.ErrBatchBusy:                                   http.StatusConflict,
		context.DeadlineExceeded:                               http.StatusServiceUnavailable,
		assert.AnError:                                         http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
