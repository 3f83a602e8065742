package requestlog

import (
	"context"
	"sync"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/logging"
	"github.com/g1331/AutoRouter-sub005/internal/metrics"
	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// job is one pending persistence attempt.
type job struct {
	log     model.RequestLog
	billing *model.BillingSnapshot
	retries int
}

// AsyncEmitter decouples RequestLog/BillingSnapshot persistence from the
// response path (spec §4.12: "the client must receive the response
// regardless of log persistence success"). Failed writes are retried a
// bounded number of times with backoff, then dropped and counted.
type AsyncEmitter struct {
	writer     Writer
	queue      chan job
	maxRetries int
	retryDelay time.Duration

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewAsyncEmitter starts workerCount background workers draining a queue
// of size queueDepth. Call Stop to shut down: writes in progress finish,
// queued entries that have not started are abandoned.
func NewAsyncEmitter(writer Writer, workerCount, queueDepth, maxRetries int, retryDelay time.Duration) *AsyncEmitter {
	if workerCount <= 0 {
		workerCount = 2
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	e := &AsyncEmitter{
		writer:     writer,
		queue:      make(chan job, queueDepth),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		stop:       make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit enqueues a RequestLog/BillingSnapshot pair for best-effort
// persistence. Never blocks the response path: if the queue is full the
// entry is dropped immediately and counted.
func (e *AsyncEmitter) Emit(log model.RequestLog, billing *model.BillingSnapshot) {
	select {
	case e.queue <- job{log: log, billing: billing}:
	default:
		metrics.RequestLogDropped.Inc()
	}
}

func (e *AsyncEmitter) worker() {
	defer e.wg.Done()
	log := logging.FromContext(context.Background())
	for {
		select {
		case <-e.stop:
			return
		case j := <-e.queue:
			e.process(j, log)
		}
	}
}

func (e *AsyncEmitter) process(j job, log interface{ Error(string, ...any) }) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.writer.Write(ctx, j.log, j.billing); err != nil {
		j.retries++
		if j.retries > e.maxRetries {
			metrics.RequestLogDropped.Inc()
			log.Error("request log dropped after exhausting retries", "request_log_id", j.log.ID, "error", err.Error())
			return
		}
		time.AfterFunc(e.retryDelay*time.Duration(j.retries), func() {
			select {
			case e.queue <- j:
			default:
				metrics.RequestLogDropped.Inc()
			}
		})
	}
}

// Stop waits for in-flight writes to finish. Queued-but-not-yet-started
// jobs are abandoned.
func (e *AsyncEmitter) Stop() {
	close(e.stop)
	e.wg.Wait()
}
