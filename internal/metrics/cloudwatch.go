package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tickerflow/logger"
)

//go:embed dashboard.json
var dashboardTemplate string

// maxDatumsPerRequest is the PutMetricData batch limit.
const maxDatumsPerRequest = 1000

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
	handlerID     HandlerID
}

var cwState atomic.Pointer[cloudWatchState]

var (
	// cloudWatchPublishInterval is the minimum gap between two
	// PutMetricData calls. Datums arriving in between are queued, not dropped.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	pending = &datumQueue{}
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "Tickerflow",
		dashboardName: "Tickerflow",
	})
}

// datumQueue batches datums between publishes.
type datumQueue struct {
	mu        sync.Mutex
	data      []cwtypes.MetricDatum
	lastFlush time.Time
}

// push queues d and returns the batch to send when the publish interval has
// passed since the last send or the batch is full; otherwise nil.
func (q *datumQueue) push(d cwtypes.MetricDatum, now time.Time) []cwtypes.MetricDatum {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.data = append(q.data, d)
	due := q.lastFlush.IsZero() || now.Sub(q.lastFlush) >= cloudWatchPublishInterval
	if !due && len(q.data) < maxDatumsPerRequest {
		return nil
	}
	return q.takeLocked(now)
}

func (q *datumQueue) take(now time.Time) []cwtypes.MetricDatum {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(now)
}

func (q *datumQueue) takeLocked(now time.Time) []cwtypes.MetricDatum {
	batch := q.data
	q.data = nil
	q.lastFlush = now
	return batch
}

func (q *datumQueue) reset() {
	q.mu.Lock()
	q.data = nil
	q.lastFlush = time.Time{}
	q.mu.Unlock()
}

// InitCloudWatch creates the CloudWatch client, subscribes the publisher to
// emitted metrics and applies the embedded dashboard. When AWS configuration
// cannot be loaded publishing stays disabled and only the log events remain.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := cloudWatchState{}
	if current := cwState.Load(); current != nil {
		state = *current
	}
	UnregisterHandler(state.handlerID)

	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	if cfg.Region != "" {
		state.region = cfg.Region
	} else {
		state.region = region
	}
	state.handlerID = RegisterHandler(publishToCloudWatch)

	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboardFromTemplate(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// FlushMetrics sends every queued datum. main calls it before exiting.
func FlushMetrics(ctx context.Context) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}
	if batch := pending.take(timeNow()); len(batch) > 0 {
		publishMetricsFunc(ctx, state, batch)
	}
}

// CreateDashboardFromTemplate renders the embedded dashboard for the current
// namespace and region and stores it in CloudWatch.
func CreateDashboardFromTemplate(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := renderDashboard(state.namespace, state.region)
	if err != nil {
		return err
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard from template")
	return nil
}

func renderDashboard(namespace, region string) (string, error) {
	if namespace == "" {
		namespace = "Tickerflow"
	}
	if region == "" {
		region = "us-east-1"
	}
	body := strings.NewReplacer("__NAMESPACE__", namespace, "__REGION__", region).Replace(dashboardTemplate)
	if !json.Valid([]byte(body)) {
		return "", fmt.Errorf("dashboard template is not valid JSON after substitution")
	}
	return body, nil
}

// publishToCloudWatch is the Handler registered by InitCloudWatch.
func publishToCloudWatch(m Metric) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	datum, ok := toDatum(m)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": m.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}

	if batch := pending.push(datum, timeNow()); len(batch) > 0 {
		publishMetricsFunc(context.Background(), state, batch)
	}
}

func toDatum(m Metric) (cwtypes.MetricDatum, bool) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return cwtypes.MetricDatum{}, false
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := m.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = timeNow()
	}

	return cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(ts),
		Unit:       unit,
		Value:      aws.Float64(value),
	}, true
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).WithFields(logger.Fields{"datums": len(data)}).Warn("failed to publish CloudWatch metrics")
		return
	}

	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"datums": len(data)}).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return float64(v.Milliseconds()), true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "milliseconds", "ms":
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
