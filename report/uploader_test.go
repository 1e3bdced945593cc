package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	name string
	err  error
	got  []RunInfo
	lock sync.Mutex
}

func (f *fakeUploader) Name() string { return f.name }

func (f *fakeUploader) Upload(ctx context.Context, info RunInfo, results qatest.Results) error {
	f.lock.Lock()
	f.got = append(f.got, info)
	f.lock.Unlock()
	return f.err
}

func TestUploadingLoggerRunsEveryUploader(t *testing.T) {
	good := &fakeUploader{name: "archive"}
	bad := &fakeUploader{name: "dashboard", err: errors.New("503 service unavailable")}
	var logger framework.CapturingLogger
	u := &UploadingLogger{
		Info:      RunInfo{RunID: "run-1"},
		Uploaders: []Uploader{bad, good},
		Logger:    &logger,
	}

	err := u.EndLog(sampleResults())
	require.Error(t, err)
	assert.Equal(t, "upload to dashboard: 503 service unavailable", err.Error())
	require.Len(t, good.got, 1)
	assert.Equal(t, "run-1", good.got[0].RunID)
	assert.False(t, good.got[0].End.IsZero())
	assert.Contains(t, logger.Output().ToString(""), "Result upload to dashboard failed: 503 service unavailable")

	assert.NoError(t, (&UploadingLogger{}).EndLog(sampleResults()))
}

func TestPopcornUploaderPostsRunDocument(t *testing.T) {
	var received []byte
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	p, err := NewPopcornUploader(server.URL+"/api/results", "secret", 0, nil)
	require.NoError(t, err)
	require.NoError(t, p.Upload(context.Background(), sampleInfo(), sampleResults()))
	assert.Equal(t, "Bearer secret", auth)
	doc := gjson.ParseBytes(received)
	assert.Equal(t, "run-1", doc.Get("runId").String())
	assert.Equal(t, int64(4), doc.Get("tests.#").Int())
	assert.Equal(t, "array degraded", doc.Get(`tests.#(status=="failed").message`).String())
}

func TestPopcornUploaderRetriesAndReportsStatus(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down\n"))
	}))
	defer server.Close()

	p, err := NewPopcornUploader(server.URL, "", 2, nil)
	require.NoError(t, err)
	p.client.RetryWaitMin = 0
	p.client.RetryWaitMax = 0
	err = p.Upload(context.Background(), sampleInfo(), sampleResults())
	require.Error(t, err)
	assert.Equal(t, "popcorn: HTTP 502: upstream down", err.Error())
	assert.Equal(t, 3, calls)

	_, err = NewPopcornUploader("", "", 0, nil)
	assert.Error(t, err)
}

type fakeRedis struct {
	lists map[string][]string
	calls int
	err   error
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.calls++
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func TestLogstashUploaderPushesOneDocumentPerResult(t *testing.T) {
	fake := &fakeRedis{lists: map[string][]string{}}
	l := &LogstashUploader{redis: fake, key: keyOrDefault("")}
	require.NoError(t, l.Upload(context.Background(), sampleInfo(), sampleResults()))

	docs := fake.lists["logstash"]
	require.Len(t, docs, 4)
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, "kdp-04", gjson.Get(docs[0], "device.id").String())
	assert.Equal(t, "smoke/ping", gjson.Get(docs[0], "id").String())
	assert.Equal(t, "no usb port", gjson.Get(docs[3], "skipReason").String())
	assert.NoError(t, l.Close())
}

func TestLogstashUploaderBatchesLargeRuns(t *testing.T) {
	var results qatest.Results
	for i := 0; i < 250; i++ {
		results.Tests = append(results.Tests, qatest.TestResult{TestID: qatest.TestID{"loop"}, Status: qatest.StatusPassed})
	}
	fake := &fakeRedis{lists: map[string][]string{}}
	l := &LogstashUploader{redis: fake, key: "dut-results"}
	require.NoError(t, l.Upload(context.Background(), RunInfo{RunID: "r"}, results))
	assert.Equal(t, 3, fake.calls)
	assert.Len(t, fake.lists["dut-results"], 250)
}

func TestLogstashUploaderError(t *testing.T) {
	fake := &fakeRedis{lists: map[string][]string{}, err: errors.New("connection refused")}
	l := &LogstashUploader{redis: fake, key: "logstash"}
	err := l.Upload(context.Background(), sampleInfo(), sampleResults())
	assert.EqualError(t, err, "logstash: RPUSH logstash: connection refused")
}

func TestNewLogstashUploaderParsesURL(t *testing.T) {
	l, err := NewLogstashUploader("redis://:pw@redis.lab:6380/2", "")
	require.NoError(t, err)
	assert.Equal(t, "logstash", l.key)
	rdb := l.redis.(*redis.Client)
	assert.Equal(t, "redis.lab:6380", rdb.Options().Addr)
	assert.Equal(t, 2, rdb.Options().DB)
	assert.NoError(t, l.Close())

	_, err = NewLogstashUploader("redis://host:notaport/x", "")
	assert.Error(t, err)
}

type fakeDynamoDB struct {
	items []*dynamodb.PutItemInput
	fail  string
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (
	*dynamodb.PutItemOutput, error) {
	sortKey := params.Item[archiveSortKey].(*types.AttributeValueMemberS).Value
	if sortKey == f.fail {
		return nil, errors.New("ProvisionedThroughputExceededException")
	}
	f.items = append(f.items, params)
	return &dynamodb.PutItemOutput{}, nil
}

func stringAttr(t *testing.T, item map[string]types.AttributeValue, name string) string {
	s, ok := item[name].(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute %s is not a string", name)
	return s.Value
}

func TestDynamoDBUploaderPutsOneItemPerResult(t *testing.T) {
	fake := &fakeDynamoDB{}
	d := &DynamoDBUploader{client: fake, table: "dut-results"}
	require.NoError(t, d.Upload(context.Background(), sampleInfo(), sampleResults()))
	require.Len(t, fake.items, 4)

	assert.Equal(t, "dut-results", aws.ToString(fake.items[0].TableName))
	ping := fake.items[0].Item
	assert.Equal(t, "run-1", stringAttr(t, ping, "run_id"))
	assert.Equal(t, "smoke/ping", stringAttr(t, ping, "test_id"))
	assert.Equal(t, "passed", stringAttr(t, ping, "status"))
	assert.Equal(t, "5.2.1.123", stringAttr(t, ping, "firmware"))
	assert.Equal(t, "1500", ping["duration_ms"].(*types.AttributeValueMemberN).Value)
	fields := ping["fields"].(*types.AttributeValueMemberM).Value
	assert.Equal(t, "3", fields["rttMs"].(*types.AttributeValueMemberS).Value)

	assert.Equal(t, "reboot/iteration 2#2", stringAttr(t, fake.items[2].Item, "test_id"))
	assert.Equal(t, "no usb port", stringAttr(t, fake.items[3].Item, "skip_reason"))
	_, hasMessage := fake.items[0].Item["message"]
	assert.False(t, hasMessage)
}

func TestDynamoDBUploaderContinuesAfterItemError(t *testing.T) {
	fake := &fakeDynamoDB{fail: "smoke/raid"}
	d := &DynamoDBUploader{client: fake, table: "dut-results"}
	err := d.Upload(context.Background(), sampleInfo(), sampleResults())
	assert.EqualError(t, err, "dynamodb: smoke/raid: ProvisionedThroughputExceededException")
	assert.Len(t, fake.items, 3)

	_, err = NewDynamoDBUploader(context.Background(), "", "")
	assert.Error(t, err)
}
