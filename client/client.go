package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	flag "github.com/spf13/pflag"
)

var (
	addr     = flag.String("addr", "http://localhost:8080", "base URL of API (include http:// and port)")
	scenario = flag.String("scenario", "all", "scenario to run: valid | lastinvalid | stale | idempotent | concurrency | tamper | validate | bigpayload | all")
	conns    = flag.Int("conns", 20, "number of concurrent workers for concurrency scenario")
	reqs     = flag.Int("reqs", 100, "total submissions in concurrency scenario")
	timeout  = flag.Duration("timeout", 10*time.Second, "request timeout per HTTP call")
)

type Submission struct {
	MessageID uint64 `json:"message_id"`
	AgentID   uint64 `json:"agent_id"`
	X         uint64 `json:"x"`
	Y         uint64 `json:"y"`
	Checksum  uint64 `json:"checksum"`
}

// validSubmission satisfies every rule for a non-zero agent.
func validSubmission(id uint64) Submission {
	s := Submission{MessageID: id, AgentID: 1 + id%3000, X: id % 15000}
	s.Y = max(s.X+1, 5000)
	s.Checksum = s.AgentID + s.X + s.Y
	return s
}

func invalidSubmission(id uint64) Submission {
	s := validSubmission(id)
	s.Checksum++
	return s
}

type result struct {
	status int
	body   map[string]interface{}
	dur    time.Duration
}

func main() {
	flag.Parse()

	scenarios := map[string]func() error{
		"valid":       runValid,
		"lastinvalid": runLastInvalid,
		"stale":       runStale,
		"idempotent":  runIdempotent,
		"concurrency": func() error { return runConcurrency(*conns, *reqs) },
		"tamper":      runTamper,
		"validate":    runValidate,
		"bigpayload":  runBigPayload,
	}
	order := []string{"valid", "lastinvalid", "stale", "idempotent", "concurrency", "tamper", "validate", "bigpayload"}

	var run []string
	switch *scenario {
	case "all":
		run = order
	default:
		if _, ok := scenarios[*scenario]; !ok {
			fmt.Printf("unknown scenario %s\n", *scenario)
			os.Exit(2)
		}
		run = []string{*scenario}
	}

	failed := 0
	for _, name := range run {
		if err := scenarios[name](); err != nil {
			fmt.Printf("FAIL %s: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("ok   %s\n", name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func doRequest(method, path string, body []byte, headers map[string]string) (result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, *addr+path, bytes.NewReader(body))
	if err != nil {
		return result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	dur := time.Since(start)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return result{}, err
	}
	res := result{status: resp.StatusCode, dur: dur, body: map[string]interface{}{}}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	_ = dec.Decode(&res.body)
	return res, nil
}

func postJSON(path string, v interface{}, headers map[string]string) (result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return result{}, err
	}
	return doRequest(http.MethodPost, path, data, headers)
}

func expect(res result, status int) error {
	if res.status != status {
		return fmt.Errorf("status %d, want %d: %v", res.status, status, res.body)
	}
	return nil
}

func openBatch() (string, error) {
	res, err := doRequest(http.MethodPost, "/batches", nil, nil)
	if err != nil {
		return "", err
	}
	if err := expect(res, http.StatusCreated); err != nil {
		return "", err
	}
	id, _ := res.body["batch_id"].(string)
	return id, nil
}

func submitAll(batchID string, subs []Submission) error {
	for _, s := range subs {
		res, err := postJSON("/batches/"+batchID+"/messages", s, nil)
		if err != nil {
			return err
		}
		if err := expect(res, http.StatusAccepted); err != nil {
			return fmt.Errorf("submit %d: %w", s.MessageID, err)
		}
	}
	return nil
}

func finalize(batchID string) (result, error) {
	res, err := doRequest(http.MethodPost, "/batches/"+batchID+"/finalize", nil, nil)
	if err != nil {
		return res, err
	}
	return res, expect(res, http.StatusOK)
}

func highest() (string, error) {
	res, err := doRequest(http.MethodGet, "/ledger", nil, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(res.body["highest_message_id"]), expect(res, http.StatusOK)
}

// runBatch opens a batch, submits subs and finalizes it.
func runBatch(subs []Submission) (result, error) {
	id, err := openBatch()
	if err != nil {
		return result{}, err
	}
	if err := submitAll(id, subs); err != nil {
		return result{}, err
	}
	return finalize(id)
}

func runValid() error {
	base := uint64(time.Now().Unix()) * 1000
	var subs []Submission
	for i := uint64(0); i < 10; i++ {
		subs = append(subs, validSubmission(base+i))
	}
	res, err := runBatch(subs)
	if err != nil {
		return err
	}
	fmt.Printf("  receipt: %v (%v)\n", res.body, res.dur)
	if got, want := fmt.Sprint(res.body["output"]), fmt.Sprint(base+9); got != want {
		return fmt.Errorf("output %s, want %s", got, want)
	}
	return nil
}

func runLastInvalid() error {
	base := uint64(time.Now().Unix())*1000 + 200
	var subs []Submission
	for i := uint64(0); i <= 10; i++ {
		subs = append(subs, validSubmission(base+i))
	}
	subs = append(subs, invalidSubmission(base+100))
	res, err := runBatch(subs)
	if err != nil {
		return err
	}
	if got, want := fmt.Sprint(res.body["output"]), fmt.Sprint(base+10); got != want {
		return fmt.Errorf("output %s, want %s", got, want)
	}
	return nil
}

func runStale() error {
	before, err := highest()
	if err != nil {
		return err
	}
	res, err := runBatch([]Submission{validSubmission(1)})
	if err != nil {
		return err
	}
	after, err := highest()
	if err != nil {
		return err
	}
	if before != "0" && res.body["stale"] != true {
		return fmt.Errorf("expected a stale receipt, got %v", res.body)
	}
	if before != "0" && before != after {
		return fmt.Errorf("counter moved from %s to %s", before, after)
	}
	return nil
}

func runIdempotent() error {
	id, err := openBatch()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("idem-%d", time.Now().UnixNano())
	headers := map[string]string{"Idempotency-Key": key}
	want := []int{http.StatusAccepted, http.StatusOK}
	for i := range want {
		res, err := postJSON("/batches/"+id+"/messages", validSubmission(42), headers)
		if err != nil {
			return err
		}
		fmt.Printf("  attempt %d: status=%d time=%v body=%v\n", i+1, res.status, res.dur, res.body)
		if err := expect(res, want[i]); err != nil {
			return err
		}
	}
	return nil
}

func runConcurrency(workers, total int) error {
	id, err := openBatch()
	if err != nil {
		return err
	}
	base := uint64(time.Now().Unix())*1000 + 500

	var wg sync.WaitGroup
	jobs := make(chan int, total)
	results := make(chan error, total)

	go func() {
		for i := 0; i < total; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := range jobs {
				res, err := postJSON("/batches/"+id+"/messages", validSubmission(base+uint64(j)), nil)
				if err != nil {
					results <- fmt.Errorf("job %d worker %d error: %w", j, worker, err)
					continue
				}
				if res.status >= 400 {
					results <- fmt.Errorf("job %d worker %d bad status: %d", j, worker, res.status)
					continue
				}
				if res.dur > 500*time.Millisecond {
					fmt.Printf("  slow request: job %d worker %d took %v\n", j, worker, res.dur)
				}
				results <- nil
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []string
	for r := range results {
		if r != nil {
			errs = append(errs, r.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d submissions failed:\n%s", len(errs), strings.Join(errs, "\n"))
	}

	// background folds may hold the lock for a moment
	var res result
	for attempt := 0; attempt < 20; attempt++ {
		res, err = doRequest(http.MethodPost, "/batches/"+id+"/finalize", nil, nil)
		if err != nil {
			return err
		}
		if res.status != http.StatusConflict {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := expect(res, http.StatusOK); err != nil {
		return err
	}
	if got, want := fmt.Sprint(res.body["output"]), fmt.Sprint(base+uint64(total)-1); got != want {
		return fmt.Errorf("output %s, want %s", got, want)
	}
	return nil
}

func runTamper() error {
	id, err := openBatch()
	if err != nil {
		return err
	}
	if err := submitAll(id, []Submission{validSubmission(3)}); err != nil {
		return err
	}
	res, err := doRequest(http.MethodPost, "/batches/"+id+"/fold", nil, nil)
	if err != nil {
		return err
	}
	if err := expect(res, http.StatusOK); err != nil {
		return err
	}
	cert, ok := res.body["certificate"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("no certificate in %v", res.body)
	}
	cert["public_output"] = uint64(1) << 62
	res, err = postJSON("/ledger/process", cert, nil)
	if err != nil {
		return err
	}
	return expect(res, http.StatusUnprocessableEntity)
}

func runValidate() error {
	cases := []struct {
		body  interface{}
		valid bool
	}{
		{validSubmission(7), true},
		{invalidSubmission(7), false},
		{map[string]uint64{"agent_id": 0, "x": 99999, "y": 1, "checksum": 5}, true},
	}
	for _, c := range cases {
		res, err := postJSON("/messages/validate", c.body, nil)
		if err != nil {
			return err
		}
		if err := expect(res, http.StatusOK); err != nil {
			return err
		}
		report, _ := res.body["report"].(map[string]interface{})
		if report["valid"] != c.valid {
			return fmt.Errorf("%v: report %v", c.body, report)
		}
	}
	res, err := doRequest(http.MethodPost, "/messages/validate", []byte(`{"agent_id":-1,"x":0,"y":0,"checksum":0}`), nil)
	if err != nil {
		return err
	}
	return expect(res, http.StatusBadRequest)
}

func runBigPayload() error {
	// ~2MB of JSON, over the server's body limit
	var b bytes.Buffer
	b.WriteString(`{"agent_id":1,"x":1,"y":5000,"checksum":"`)
	b.WriteString(strings.Repeat("9", 2<<20))
	b.WriteString(`"}`)
	res, err := doRequest(http.MethodPost, "/messages/validate", b.Bytes(), nil)
	if err != nil {
		return err
	}
	fmt.Printf("  status: %d, time: %v\n", res.status, res.dur)
	return expect(res, http.StatusBadRequest)
}
