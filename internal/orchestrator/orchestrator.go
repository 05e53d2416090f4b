// Package orchestrator implements the Translation Pipeline Orchestrator
// (§4.6): per-utterance fan-out-target determination, at-most-one-in-flight
// dedup, per-(session,targetLanguage) ordered delivery, retry/backoff, and
// persistence of transcript/translation rows.
package orchestrator

import (
	"context"
	"encoding/base64"
	"log"
	"sync"
	"time"

	"relay/internal/fanout"
	"relay/internal/metrics"
	"relay/internal/session"
	"relay/pkg/provider/repository"
	"relay/pkg/provider/translator"
	"relay/pkg/provider/tts"
	"relay/pkg/types"
)

// maxTranslateAttempts bounds the retry/backoff policy (§4.6: "up to 3
// attempts").
const maxTranslateAttempts = 3

// baseBackoff is the first retry delay; each subsequent attempt doubles it.
const baseBackoff = 100 * time.Millisecond

// queue is one per-(session,targetLanguage) serial delivery worker (§4.6's
// "ordering guarantee"): utterances for the same session/language are
// translated and delivered strictly in the order they are enqueued.
type queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *types.Utterance
}

// Orchestrator is the Translation Pipeline Orchestrator.
type Orchestrator struct {
	sessions   *session.Manager
	fanout     *fanout.Dispatcher
	translator translator.Provider
	tts        tts.Provider
	repo       repository.Repository
	metrics    *metrics.Metrics
	maxJobs    int

	mu       sync.Mutex
	queues   map[string]*queue      // "sessionID|lang" -> queue
	claimed  map[string]struct{}    // "sessionID|utteranceID|lang" -> claimed (dedup, §4.6 step 2)
	transcripts map[string]struct{} // "sessionID|utteranceID" -> transcript already persisted
	inFlight int                    // outstanding (enqueued, not yet delivered) jobs process-wide (§5)
}

// New constructs an Orchestrator. maxJobs is the process-wide ceiling on
// outstanding translation jobs (§5); zero means no ceiling is enforced.
func New(sessions *session.Manager, fanout *fanout.Dispatcher, translatorProvider translator.Provider, ttsProvider tts.Provider, repo repository.Repository, met *metrics.Metrics, maxJobs int) *Orchestrator {
	return &Orchestrator{
		sessions:    sessions,
		fanout:      fanout,
		translator:  translatorProvider,
		tts:         ttsProvider,
		repo:        repo,
		metrics:     met,
		maxJobs:     maxJobs,
		queues:      make(map[string]*queue),
		claimed:     make(map[string]struct{}),
		transcripts: make(map[string]struct{}),
	}
}

// SubmitUtterance implements router.Orchestrator. It determines the
// session's currently-subscribed target languages, persists the transcript
// once, and enqueues one translation job per distinct language.
func (o *Orchestrator) SubmitUtterance(sess *types.Session, utt types.Utterance) {
	ctx := context.Background()

	o.mu.Lock()
	tKey := sess.ID + "|" + utt.ID
	_, transcriptDone := o.transcripts[tKey]
	if !transcriptDone {
		o.transcripts[tKey] = struct{}{}
	}
	o.mu.Unlock()

	if !transcriptDone {
		if err := o.repo.InsertTranscript(ctx, types.TranscriptRecord{
			SessionID:   sess.ID,
			UtteranceID: utt.ID,
			SourceText:  utt.SourceText,
			SourceLang:  utt.SourceLang,
			CreatedAt:   utt.CreatedAt,
		}); err != nil {
			log.Printf("orchestrator: failed to persist transcript %s/%s: %v", sess.ID, utt.ID, err)
		}
	}

	langs := sess.TargetLanguages()
	if len(langs) == 0 {
		return // §4.6 step 1: no subscribers, transcript-only
	}

	for _, lang := range langs {
		jobKey := sess.ID + "|" + utt.ID + "|" + lang

		o.mu.Lock()
		if _, already := o.claimed[jobKey]; already {
			o.mu.Unlock()
			continue // at-most-one in flight per key (§4.6 step 2, S2)
		}
		if o.maxJobs > 0 && o.inFlight >= o.maxJobs {
			o.mu.Unlock()
			o.fanout.Deliver(sess.ID, lang, types.MessageTypeError, map[string]interface{}{
				"type":    types.MessageTypeError,
				"code":    "capacity",
				"message": "translation job ceiling reached",
			})
			continue
		}
		o.claimed[jobKey] = struct{}{}
		o.inFlight++
		q := o.queueFor(sess.ID, lang)
		o.mu.Unlock()

		select {
		case q.ch <- &utt:
		case <-q.ctx.Done():
		}
	}
}

// queueFor returns the serial worker for (sessionID, lang), starting one if
// this is the first job for that pair. Callers must hold o.mu.
func (o *Orchestrator) queueFor(sessionID, lang string) *queue {
	key := sessionID + "|" + lang
	if q, ok := o.queues[key]; ok {
		return q
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{ctx: ctx, cancel: cancel, ch: make(chan *types.Utterance, 64)}
	o.queues[key] = q
	go o.runQueue(sessionID, lang, q)
	return q
}

func (o *Orchestrator) runQueue(sessionID, lang string, q *queue) {
	for {
		select {
		case utt, ok := <-q.ch:
			if !ok {
				return
			}
			o.deliver(q.ctx, sessionID, lang, utt)
		case <-q.ctx.Done():
			return
		}
	}
}

// deliver runs §4.6 steps 3-5 for one (utterance, targetLanguage) pair:
// translate with retry, optionally synthesize audio, fan out, persist.
func (o *Orchestrator) deliver(ctx context.Context, sessionID, lang string, utt *types.Utterance) {
	defer func() {
		o.mu.Lock()
		o.inFlight--
		o.mu.Unlock()
	}()

	if o.fanout.SubscriberCount(sessionID, lang) == 0 {
		return // last subscriber left before delivery; discard (§5 cancellation)
	}

	translateStart := time.Now()
	translated, err := o.translateWithRetry(ctx, utt.SourceText, utt.SourceLang, lang)
	translateLatency := time.Since(translateStart)
	if o.metrics != nil {
		o.metrics.TranslationDuration.Record(ctx, translateLatency.Seconds())
	}

	if err != nil {
		o.fanout.Deliver(sessionID, lang, types.MessageTypeError, map[string]interface{}{
			"type":    types.MessageTypeError,
			"code":    "translation_failed",
			"message": err.Error(),
		})
		if perr := o.repo.InsertTranslation(ctx, types.TranslationRecord{
			SessionID:      sessionID,
			UtteranceID:    utt.ID,
			TargetLanguage: lang,
			TranslatedText: nil,
			LatencyMs:      translateLatency.Milliseconds(),
			CreatedAt:      time.Now(),
		}); perr != nil {
			log.Printf("orchestrator: failed to persist failed translation %s/%s/%s: %v", sessionID, utt.ID, lang, perr)
		}
		return
	}

	if ctx.Err() != nil {
		return // session/job cancelled while translating; discard (§5)
	}

	var audio []byte
	var audioFormat string
	var ttsLatency time.Duration
	if o.wantsSynthesis(sessionID, lang) {
		ttsStart := time.Now()
		a, format, ttsErr := o.tts.Synthesize(ctx, translated, lang, tts.VoiceHints{})
		ttsLatency = time.Since(ttsStart)
		if o.metrics != nil {
			o.metrics.TTSDuration.Record(ctx, ttsLatency.Seconds())
		}
		if ttsErr != nil {
			if o.metrics != nil {
				o.metrics.RecordProviderError(ctx, "tts")
			}
			log.Printf("orchestrator: tts failed for %s/%s/%s: %v", sessionID, utt.ID, lang, ttsErr)
		} else {
			audio, audioFormat = a, format
		}
	}

	payload := map[string]interface{}{
		"type":           types.MessageTypeTranslation,
		"sessionId":      sessionID,
		"sourceLanguage": utt.SourceLang,
		"targetLanguage": lang,
		"originalText":   utt.SourceText,
		"translatedText": translated,
		"audioFormat":    audioFormat,
		"timestamp":      utt.CreatedAt,
		"latency": map[string]interface{}{
			"translateMs": translateLatency.Milliseconds(),
			"ttsMs":       ttsLatency.Milliseconds(),
		},
		"ttsServiceType":  ttsServiceType(audio),
		"useClientSpeech": audio == nil,
	}
	if audio != nil {
		payload["audio"] = base64.StdEncoding.EncodeToString(audio)
	} else {
		payload["audio"] = nil
	}

	delivered := o.fanout.Deliver(sessionID, lang, types.MessageTypeTranslation, payload)
	if delivered > 0 {
		o.sessions.Touch(sessionID, time.Now())
		if sess, ok := o.sessions.Get(sessionID); ok {
			sess.IncrementTranslations(delivered)
		}
	}

	if perr := o.repo.InsertTranslation(ctx, types.TranslationRecord{
		SessionID:      sessionID,
		UtteranceID:    utt.ID,
		TargetLanguage: lang,
		TranslatedText: &translated,
		LatencyMs:      translateLatency.Milliseconds() + ttsLatency.Milliseconds(),
		CreatedAt:      time.Now(),
	}); perr != nil {
		log.Printf("orchestrator: failed to persist translation %s/%s/%s: %v", sessionID, utt.ID, lang, perr)
	}
}

func (o *Orchestrator) translateWithRetry(ctx context.Context, text, from, to string) (string, error) {
	backoff := baseBackoff
	var lastErr error
	for attempt := 1; attempt <= maxTranslateAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, translator.Deadline)
		result, err := o.translator.Translate(callCtx, text, from, to)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if o.metrics != nil {
			o.metrics.RecordProviderError(ctx, "translator")
		}
		if attempt == maxTranslateAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
	return "", lastErr
}

// wantsSynthesis reports whether any current subscriber of (sessionID, lang)
// requested synthesized audio rather than silent/browser-native TTS.
func (o *Orchestrator) wantsSynthesis(sessionID, lang string) bool {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return false
	}
	for _, sub := range sess.StudentsForLanguage(lang) {
		if sub.TTSPreference == types.TTSSynthesized {
			return true
		}
	}
	return false
}

func ttsServiceType(audio []byte) string {
	if audio == nil {
		return types.TTSBrowserNative
	}
	return types.TTSSynthesized
}

// StudentLanguageChanged implements router.Orchestrator: a student
// switching languages may leave their former target language's queue with
// no remaining subscribers, in which case it is cancelled and dropped.
func (o *Orchestrator) StudentLanguageChanged(sessionID, connectionID, newLang string) {
	o.pruneEmptySubscribers(sessionID)
}

// StudentLeft implements router.Orchestrator.
func (o *Orchestrator) StudentLeft(sessionID, connectionID string) {
	o.pruneEmptySubscribers(sessionID)
}

func (o *Orchestrator) pruneEmptySubscribers(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, q := range o.queues {
		owner, lang := splitQueueKey(key)
		if owner != sessionID {
			continue
		}
		if o.fanout.SubscriberCount(sessionID, lang) > 0 {
			continue
		}
		q.cancel()
		close(q.ch)
		delete(o.queues, key)
		// Same as SessionExpired: drain whatever runQueue never got to pull
		// before the channel closed, so inFlight isn't left counting jobs
		// that will now never reach deliver.
		for range q.ch {
			o.inFlight--
		}
	}
}

// SessionExpired implements router.Orchestrator: every outstanding job for
// sessionID is cancelled, and dedup bookkeeping for it is released.
func (o *Orchestrator) SessionExpired(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, q := range o.queues {
		owner, _ := splitQueueKey(key)
		if owner != sessionID {
			continue
		}
		q.cancel()
		close(q.ch)
		delete(o.queues, key)
		// Drain any buffered jobs runQueue never got to pull before the
		// channel closed: they will never reach deliver's own decrement.
		for range q.ch {
			o.inFlight--
		}
	}
	for key := range o.claimed {
		if owner, _, ok := splitJobKey(key); ok && owner == sessionID {
			delete(o.claimed, key)
		}
	}
	for key := range o.transcripts {
		if len(key) >= len(sessionID)+1 && key[:len(sessionID)+1] == sessionID+"|" {
			delete(o.transcripts, key)
		}
	}
}

func splitQueueKey(key string) (sessionID, lang string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// splitJobKey parses a "sessionID|utteranceID|lang" key.
func splitJobKey(key string) (sessionID, rest string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
