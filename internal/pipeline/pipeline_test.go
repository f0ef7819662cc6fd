package pipeline

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/internal/service"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/faults"
)

const testKeyHex = "8d969eef6ecad3c29a3a629280e686cf0c3f5d5a86aff3ca12020c923adc6c92"

func testBox(t *testing.T) *crypto.Box {
	t.Helper()
	box, err := crypto.NewBox(testKeyHex)
	require.NoError(t, err)
	return box
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		BatchLimit:          50,
		ChunkSize:           1000,
		ChunkOverlap:        100,
		MaxTranslateChars:   5000,
		ContextMaxBytes:     2000,
		ContextHistory:      5,
		OverrideConfidence:  0.9,
		AutoTagThreshold:    0.85,
		SuggestTagThreshold: 0.65,
		MaxTagsPerMessage:   3,
		MaxStageRetries:     3,
	}
}

// fakeRecordStore backs both the driver and the stage persistence surfaces.
type fakeRecordStore struct {
	msgs map[int64]*model.Message
}

func newFakeRecordStore(msgs ...*model.Message) *fakeRecordStore {
	s := &fakeRecordStore{msgs: map[int64]*model.Message{}}
	for _, m := range msgs {
		s.msgs[m.ID] = m
	}
	return s
}

func (s *fakeRecordStore) ListPending(_ context.Context, accountID int64, maxStatus model.ProcessingStatus, limit int) ([]*model.Message, error) {
	var out []*model.Message
	for _, m := range s.msgs {
		if m.AccountID == accountID && m.ProcessingStatus >= 0 && m.ProcessingStatus < maxStatus {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeRecordStore) UpdateStatus(_ context.Context, id int64, status model.ProcessingStatus) error {
	s.msgs[id].ProcessingStatus = status
	return nil
}

func (s *fakeRecordStore) MarkStageFailed(_ context.Context, id int64, status model.ProcessingStatus, errMsg string) error {
	m := s.msgs[id]
	m.ProcessingStatus = status
	m.ProcessingError = errMsg
	m.RetryCount++
	return nil
}

func (s *fakeRecordStore) ResetForRetry(
	_ context.Context, accountID int64, failed, runnable model.ProcessingStatus, maxRetries int,
) (int64, error) {
	var n int64
	for _, m := range s.msgs {
		if m.AccountID == accountID && m.ProcessingStatus == failed && m.RetryCount < maxRetries {
			m.ProcessingStatus = runnable
			m.ProcessingError = ""
			n++
		}
	}
	return n, nil
}

func (s *fakeRecordStore) AppendWarnings(_ context.Context, id int64, warnings []model.Warning) error {
	m := s.msgs[id]
	m.Warnings = append(m.Warnings, warnings...)
	return nil
}

func (s *fakeRecordStore) SetEmbedding(_ context.Context, id int64, vec []float32) error {
	if s.msgs[id].Embedding == nil {
		s.msgs[id].Embedding = vec
	}
	return nil
}

func (s *fakeRecordStore) SetLanguage(_ context.Context, id int64, lang string) error {
	if s.msgs[id].Language == "" {
		s.msgs[id].Language = lang
	}
	return nil
}

func (s *fakeRecordStore) SetTranslation(_ context.Context, id int64, blob []byte) error {
	if s.msgs[id].EncTranslation == nil {
		s.msgs[id].EncTranslation = blob
	}
	return nil
}

func (s *fakeRecordStore) ThreadHistory(context.Context, int64, string, time.Time, int) ([]*model.Message, error) {
	return nil, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	block bool
	calls int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type fakeTranslator struct {
	lang         string
	translation  string
	detectErr    error
	translateErr error
	translatedIn string
}

func (f *fakeTranslator) Detect(context.Context, string) (string, error) {
	return f.lang, f.detectErr
}

func (f *fakeTranslator) Translate(_ context.Context, text, _ string) (string, error) {
	f.translatedIn = text
	return f.translation, f.translateErr
}

type fakeClassifier struct {
	resp     *service.ClassifyResponse
	err      error
	external bool
	calls    []service.ClassifyRequest
}

func (f *fakeClassifier) Classify(_ context.Context, req service.ClassifyRequest) (*service.ClassifyResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func (f *fakeClassifier) External() bool { return f.external }

type fakeAnonymizer struct {
	err   error
	calls int
}

func (f *fakeAnonymizer) Anonymize(_ context.Context, text string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if text == "" {
		return "", nil
	}
	return "MASKED", nil
}

type fakeResults struct {
	byMsg map[int64]*model.Result
}

func newFakeResults() *fakeResults { return &fakeResults{byMsg: map[int64]*model.Result{}} }

func (f *fakeResults) Insert(_ context.Context, res *model.Result) error {
	f.byMsg[res.MessageID] = res
	return nil
}

func (f *fakeResults) FindByMessageID(_ context.Context, id int64) (*model.Result, error) {
	return f.byMsg[id], nil
}

func (f *fakeResults) DeleteByMessageID(_ context.Context, id int64) error {
	delete(f.byMsg, id)
	return nil
}

type observation struct {
	category string
	priority string
}

type fakeSenders struct {
	profiles     map[string]*model.SenderProfile
	observations []observation
}

func newFakeSenders() *fakeSenders { return &fakeSenders{profiles: map[string]*model.SenderProfile{}} }

func (f *fakeSenders) Find(_ context.Context, _ int64, addr string) (*model.SenderProfile, error) {
	return f.profiles[addr], nil
}

func (f *fakeSenders) RecordObservation(_ context.Context, _ int64, _ string, category, priority string, _, _ bool) error {
	f.observations = append(f.observations, observation{category: category, priority: priority})
	return nil
}

type fakeTagStore struct {
	tags  []*model.Tag
	saved []model.TagAssignment
}

func (f *fakeTagStore) ListByUser(context.Context, int64) ([]*model.Tag, error) {
	return f.tags, nil
}

func (f *fakeTagStore) SaveAssignments(_ context.Context, assignments []model.TagAssignment) error {
	f.saved = append(f.saved, assignments...)
	return nil
}

type memTagCache struct {
	m map[int64][]*model.Tag
}

func newMemTagCache() *memTagCache { return &memTagCache{m: map[int64][]*model.Tag{}} }

func (c *memTagCache) Get(_ context.Context, userID int64) ([]*model.Tag, bool) {
	tags, ok := c.m[userID]
	return tags, ok
}

func (c *memTagCache) Set(_ context.Context, userID int64, tags []*model.Tag) {
	c.m[userID] = tags
}

type published struct {
	key     string
	payload any
}

type fakePublisher struct {
	events []published
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, key string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{key: key, payload: payload})
	return nil
}

type pipelineFixture struct {
	store      *fakeRecordStore
	embedder   *fakeEmbedder
	translator *fakeTranslator
	classifier *fakeClassifier
	anonymizer *fakeAnonymizer
	results    *fakeResults
	senders    *fakeSenders
	tagStore   *fakeTagStore
	cache      *memTagCache
	publisher  *fakePublisher
	box        *crypto.Box
	cfg        config.PipelineConfig
}

func newFixture(t *testing.T, msgs ...*model.Message) *pipelineFixture {
	return &pipelineFixture{
		store:    newFakeRecordStore(msgs...),
		embedder: &fakeEmbedder{vec: []float32{1, 0, 0}},
		translator: &fakeTranslator{
			lang: "en",
		},
		classifier: &fakeClassifier{resp: &service.ClassifyResponse{
			Urgency:    0.7,
			Importance: 0.6,
			Category:   "work",
			Priority:   "HIGH",
			Summary:    "a summary",
			Confidence: 0.9,
		}},
		anonymizer: &fakeAnonymizer{},
		results:    newFakeResults(),
		senders:    newFakeSenders(),
		tagStore:   &fakeTagStore{},
		cache:      newMemTagCache(),
		publisher:  &fakePublisher{},
		box:        testBox(t),
		cfg:        testPipelineConfig(),
	}
}

func (f *pipelineFixture) stages() []Stage {
	return []Stage{
		NewEmbeddingStage(f.embedder, f.store, f.box, f.cfg),
		NewLanguageStage(f.translator, f.store, f.box, f.cfg),
		NewClassifyStage(f.classifier, f.anonymizer, f.results, f.senders, f.store, f.box, f.cfg),
		NewTagStage(f.tagStore, f.cache, f.results, f.publisher, f.cfg),
	}
}

func (f *pipelineFixture) driver(stages []Stage) *Driver {
	return NewDriver(stages, f.store, f.cfg, zap.NewNop())
}

func (f *pipelineFixture) message(t *testing.T, id int64, status model.ProcessingStatus, subject, body string) *model.Message {
	t.Helper()
	encSubject, err := f.box.SealString(subject)
	require.NoError(t, err)
	encBody, err := f.box.SealString(body)
	require.NoError(t, err)
	m := &model.Message{
		ID:               id,
		UserID:           7,
		AccountID:        1,
		Folder:           "INBOX",
		SequenceID:       uint32(id),
		ThreadID:         "thread-1",
		FromAddr:         "alice@example.com",
		SentAt:           time.Date(2026, 2, 1, 0, 0, int(id), 0, time.UTC),
		EncSubject:       encSubject,
		EncBody:          encBody,
		ProcessingStatus: status,
	}
	f.store.msgs[id] = m
	return m
}

func cloudAnonAccount() *model.Account {
	return &model.Account{ID: 1, UserID: 7, AnalysisMode: model.ModeCloudAnon, TargetLanguage: "en"}
}

func TestDriverAdvancesNewMessageToRulesApplied(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "hello", "body text")

	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.Advanced)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	assert.NotNil(t, msg.Embedding)
	assert.Equal(t, "en", msg.Language)

	res := f.results.byMsg[1]
	require.NotNil(t, res)
	assert.Equal(t, "work", res.Category)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, contracts.RoutingRulesApply, f.publisher.events[0].key)
	payload := f.publisher.events[0].payload.(contracts.RulesApplyPayload)
	assert.Equal(t, int64(1), payload.MessageID)
	assert.Equal(t, "work", payload.Category)
}

func TestDriverThreeStageSequenceEndsAtClassified(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "subject", "body")

	stages := f.stages()[:3]
	out, err := f.driver(stages).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Advanced)
	assert.Equal(t, model.StatusClassified, msg.ProcessingStatus)
	assert.Empty(t, f.publisher.events)
}

func TestDriverResumesFromIntermediateStatus(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusEmbeddingDone, "subject", "body")
	msg.Embedding = []float32{0.5, 0.5, 0}

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	// The embedding service was never consulted; the record picked up at
	// the language stage.
	assert.Zero(t, f.embedder.calls)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
}

func TestDriverRequeuesParkedRecordOnNextPass(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "subject", "body")

	// First pass dies at classification.
	f.classifier.err = faults.Transientf("classifier down")
	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)
	assert.Equal(t, model.StatusClassificationFailed, msg.ProcessingStatus)
	assert.Equal(t, 1, msg.RetryCount)
	assert.True(t, strings.Contains(msg.ProcessingError, "classifier down"))

	// Once the service recovers the next pass picks the record up on its
	// own, resuming at classification rather than repeating earlier stages.
	f.classifier.err = nil
	embedCalls := f.embedder.calls

	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Advanced)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	assert.Empty(t, msg.ProcessingError)
	assert.Equal(t, embedCalls, f.embedder.calls)
}

func TestDriverLeavesRecordParkedAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "subject", "body")
	f.classifier.err = faults.Transientf("classifier down")

	for i := 0; i < f.cfg.MaxStageRetries; i++ {
		_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
		require.NoError(t, err)
	}
	assert.Equal(t, f.cfg.MaxStageRetries, msg.RetryCount)

	// The budget is spent; the record stays parked even with the service
	// back up.
	f.classifier.err = nil
	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)
	assert.Zero(t, out.Processed)
	assert.Equal(t, model.StatusClassificationFailed, msg.ProcessingStatus)
}

func TestDriverDeadlineMidStageKeepsRecordStatus(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "subject", "body")
	f.embedder.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := f.driver(f.stages()).ProcessAccount(ctx, cloudAnonAccount())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The record is not parked: the next run resumes it from where it was.
	assert.Zero(t, out.Failed)
	assert.Equal(t, model.StatusNew, msg.ProcessingStatus)
	assert.Zero(t, msg.RetryCount)
	assert.Empty(t, msg.ProcessingError)
}

func TestClassifierNeverCalledWhenAnonymizationFails(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusTranslationDone, "secret subject", "secret body")
	f.anonymizer.err = faults.Transientf("anonymizer down")

	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Held)
	assert.Empty(t, f.classifier.calls)
	// Held, not failed: status untouched, warning recorded.
	assert.Equal(t, model.StatusTranslationDone, msg.ProcessingStatus)
	require.NotEmpty(t, msg.Warnings)
	assert.Equal(t, "anonymizer_unavailable", msg.Warnings[len(msg.Warnings)-1].Code)
}

func TestExternalClassifierOnlyReceivesMaskedContent(t *testing.T) {
	f := newFixture(t)
	f.classifier.external = true
	f.message(t, 1, model.StatusTranslationDone, "raw subject", "raw body")

	acct := cloudAnonAccount()
	acct.AnalysisMode = model.ModeCloudRaw

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), acct)
	require.NoError(t, err)

	require.Len(t, f.classifier.calls, 1)
	req := f.classifier.calls[0]
	assert.Equal(t, "MASKED", req.Subject)
	assert.Equal(t, "MASKED", req.Body)
	assert.NotContains(t, req.Body, "raw body")
	assert.Positive(t, f.anonymizer.calls)
}

func TestCloudRawSkipsAnonymizerForLocalDeployment(t *testing.T) {
	f := newFixture(t)
	f.classifier.external = false
	f.message(t, 1, model.StatusTranslationDone, "raw subject", "raw body")

	acct := cloudAnonAccount()
	acct.AnalysisMode = model.ModeCloudRaw

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), acct)
	require.NoError(t, err)

	require.Len(t, f.classifier.calls, 1)
	assert.Equal(t, "raw body", f.classifier.calls[0].Body)
	assert.Zero(t, f.anonymizer.calls)
}

func TestClassifyModeNoneProducesNoResult(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusTranslationDone, "s", "b")

	acct := cloudAnonAccount()
	acct.AnalysisMode = model.ModeNone

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), acct)
	require.NoError(t, err)

	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	assert.Empty(t, f.results.byMsg)
	assert.Empty(t, f.classifier.calls)
	// Handoff still happens, with an empty verdict.
	require.Len(t, f.publisher.events, 1)
}

func TestClassifyLocalModeStaysOffline(t *testing.T) {
	f := newFixture(t)
	f.message(t, 1, model.StatusTranslationDone, "URGENT: server down", "please fix asap")

	acct := cloudAnonAccount()
	acct.AnalysisMode = model.ModeLocal

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), acct)
	require.NoError(t, err)

	assert.Empty(t, f.classifier.calls)
	assert.Zero(t, f.anonymizer.calls)

	res := f.results.byMsg[1]
	require.NotNil(t, res)
	assert.Equal(t, "local-heuristic", res.Provenance)
	assert.Equal(t, "HIGH", res.Priority)
}

func TestClassifySenderOverride(t *testing.T) {
	f := newFixture(t)
	f.message(t, 1, model.StatusTranslationDone, "s", "b")
	f.senders.profiles["alice@example.com"] = &model.SenderProfile{
		UserID:          7,
		SenderAddr:      "alice@example.com",
		MessageCount:    20,
		LearnedCategory: "newsletter",
		LearnedPriority: "LOW",
		Confidence:      0.95,
	}

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	res := f.results.byMsg[1]
	require.NotNil(t, res)
	assert.Equal(t, "newsletter", res.Category)
	assert.Equal(t, "LOW", res.Priority)
	assert.Equal(t, "sender-override", res.Provenance)
}

func TestClassifyReplacesStaleResult(t *testing.T) {
	f := newFixture(t)
	f.message(t, 1, model.StatusTranslationDone, "s", "b")
	f.results.byMsg[1] = &model.Result{MessageID: 1, Category: "stale"}

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	res := f.results.byMsg[1]
	require.NotNil(t, res)
	assert.Equal(t, "work", res.Category)
}

func TestTagStageBands(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusClassified, "s", "b")
	msg.Embedding = []float32{1, 0, 0}

	f.tagStore.tags = []*model.Tag{
		{ID: 1, Name: "exact", Embedding: []float32{1, 0, 0}},
		{ID: 2, Name: "close", Embedding: []float32{1, 0.9, 0}},
		{ID: 3, Name: "far", Embedding: []float32{0, 1, 0}},
	}

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	require.Len(t, f.tagStore.saved, 2)
	byTag := map[int64]model.TagAssignment{}
	for _, a := range f.tagStore.saved {
		byTag[a.TagID] = a
	}
	assert.False(t, byTag[1].Suggested)
	assert.True(t, byTag[2].Suggested)
	assert.NotContains(t, byTag, int64(3))
}

func TestTagStageCapsAssignments(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusClassified, "s", "b")
	msg.Embedding = []float32{1, 0, 0}

	for i := int64(1); i <= 6; i++ {
		f.tagStore.tags = append(f.tagStore.tags, &model.Tag{
			ID: i, Embedding: []float32{1, float32(i) * 0.01, 0},
		})
	}

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Len(t, f.tagStore.saved, f.cfg.MaxTagsPerMessage)
}

func TestTagStageWithoutEmbeddingStillHandsOff(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusClassified, "s", "b")
	f.tagStore.tags = []*model.Tag{{ID: 1, Embedding: []float32{1, 0, 0}}}

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Empty(t, f.tagStore.saved)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	require.Len(t, f.publisher.events, 1)
	require.NotEmpty(t, msg.Warnings)
	assert.Equal(t, "no_embedding", msg.Warnings[0].Code)
}

func TestTagStagePublishFailureParksRecord(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusClassified, "s", "b")
	f.publisher.err = faults.Transientf("broker down")

	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, model.StatusHandoffFailed, msg.ProcessingStatus)
}

func TestLanguageStageTranslatesForeignContent(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusEmbeddingDone, "aihe", "viesti suomeksi")
	msg.Embedding = []float32{1, 0, 0}
	f.translator.lang = "fi"
	f.translator.translation = "message in english"

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, "fi", msg.Language)
	require.NotNil(t, msg.EncTranslation)
	got, err := f.box.OpenString(msg.EncTranslation)
	require.NoError(t, err)
	assert.Equal(t, "message in english", got)
	// Classification ran on the translated rendition.
	require.NotEmpty(t, f.classifier.calls)
}

func TestLanguageStageSkipsTranslationForTargetLanguage(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusEmbeddingDone, "subject", "body")
	msg.Embedding = []float32{1, 0, 0}
	f.translator.lang = "en"
	f.translator.translateErr = faults.Permanentf("must not be called")

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, "en", msg.Language)
	assert.Nil(t, msg.EncTranslation)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
}

func TestLanguageStageTruncatesOnRuneBoundary(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxTranslateChars = 8
	msg := f.message(t, 1, model.StatusEmbeddingDone, "tähtitiede", "yötaivas tähtien yllä")
	msg.Embedding = []float32{1, 0, 0}
	f.translator.lang = "fi"
	f.translator.translation = "astronomy"

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	// The cut never leaves half a multi-byte character behind.
	assert.True(t, utf8.ValidString(f.translator.translatedIn))
	assert.Equal(t, 8, utf8.RuneCountInString(f.translator.translatedIn))
	require.NotNil(t, msg.EncTranslation)

	found := false
	for _, w := range msg.Warnings {
		if w.Code == "translation_truncated" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLanguageStageDetectOutageWarnsAndAdvances(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusEmbeddingDone, "subject", "body")
	msg.Embedding = []float32{1, 0, 0}
	f.translator.detectErr = faults.Transientf("detector down")

	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Zero(t, out.Failed)
	assert.Empty(t, msg.Language)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	found := false
	for _, w := range msg.Warnings {
		if w.Code == "detect_unavailable" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEmbeddingStageTransientOutageWarnsAndAdvances(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "s", "b")
	f.embedder.err = faults.Transientf("embedder down")

	out, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	// An outage degrades the record instead of blocking it.
	assert.Zero(t, out.Failed)
	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	assert.Nil(t, msg.Embedding)
	require.NotEmpty(t, msg.Warnings)
	assert.Equal(t, "embed_unavailable", msg.Warnings[0].Code)
	assert.True(t, strings.Contains(msg.Warnings[0].Message, "embedder down"))
}

func TestEmbeddingStagePermanentRejectionAdvances(t *testing.T) {
	f := newFixture(t)
	msg := f.message(t, 1, model.StatusNew, "s", "b")
	f.embedder.err = faults.Permanentf("content rejected")

	_, err := f.driver(f.stages()).ProcessAccount(context.Background(), cloudAnonAccount())
	require.NoError(t, err)

	assert.Equal(t, model.StatusRulesApplied, msg.ProcessingStatus)
	assert.Nil(t, msg.Embedding)
	found := false
	for _, w := range msg.Warnings {
		if w.Code == "embed_rejected" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDriverStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	f.message(t, 1, model.StatusNew, "a", "b")
	f.message(t, 2, model.StatusNew, "c", "d")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.driver(f.stages()).ProcessAccount(ctx, cloudAnonAccount())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Advanced)
}
