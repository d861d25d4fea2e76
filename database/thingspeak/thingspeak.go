// Package thingspeak implements the storage adapter on a ThingSpeak channel.
//
// Readings are channel entries (field1 voltage, field2 current, field3 power,
// field4 power factor, field5 frequency, field6 device id, field7 source,
// field8 unix milliseconds). Commands are queued on a TalkBack. ThingSpeak has
// no place for status and alerts, so those go to a mirror adapter.
package thingspeak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

const backendName = "thingspeak"

const (
	// maxResults is the largest page the feeds endpoint returns
	maxResults = 8000
	// maxPages bounds how far back one query pages
	maxPages = 25
)

const feedTimeLayout = "2006-01-02 15:04:05"

// ErrTruncated is returned when a query window holds more entries than the
// store pages through
var ErrTruncated = errors.New("thingspeak window exceeds page budget")

// Config holds the channel and TalkBack credentials
type Config struct {
	BaseURL        string
	ChannelID      string
	WriteAPIKey    string
	ReadAPIKey     string
	TalkBackID     string
	TalkBackAPIKey string
	HTTPClient     *http.Client
}

// feed is one channel entry; ThingSpeak returns every field as a string
type feed struct {
	CreatedAt time.Time `json:"created_at"`
	EntryID   int64     `json:"entry_id"`
	Field1    string    `json:"field1"`
	Field2    string    `json:"field2"`
	Field3    string    `json:"field3"`
	Field4    string    `json:"field4"`
	Field5    string    `json:"field5"`
	Field6    string    `json:"field6"`
	Field7    string    `json:"field7"`
	Field8    string    `json:"field8"`
}

type feedsResponse struct {
	Feeds []feed `json:"feeds"`
}

type talkBackCommand struct {
	ID            int64  `json:"id"`
	CommandString string `json:"command_string"`
}

// Store is the ThingSpeak backend
type Store struct {
	cfg    Config
	base   string
	http   *http.Client
	mirror database.Adapter
	now    func() time.Time

	pageSize int
	maxPages int

	mu        sync.RWMutex
	connected bool
}

var _ database.Adapter = (*Store)(nil)

// New creates a store. mirror serves device status and alerts.
func New(cfg Config, mirror database.Adapter) *Store {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Store{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   client,
		mirror: mirror,
		now:    time.Now,

		pageSize: maxResults,
		maxPages: maxPages,
	}
}

func (s *Store) Name() string { return backendName }

func (s *Store) Connect(ctx context.Context) error {
	if s.cfg.ChannelID == "" || s.cfg.WriteAPIKey == "" {
		return &database.ConnectionError{Backend: backendName, Err: errors.New("THINGSPEAK_CHANNEL_ID and THINGSPEAK_WRITE_API_KEY are required")}
	}
	if err := s.ping(ctx); err != nil {
		return &database.ConnectionError{Backend: backendName, Err: err}
	}
	if err := s.mirror.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Store) ping(ctx context.Context) error {
	var out feedsResponse
	return s.get(ctx, s.channelPath("feeds.json"), url.Values{"results": {"0"}}, &out)
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	return connected && s.ping(ctx) == nil && s.mirror.HealthCheck(ctx)
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.mirror.Disconnect(ctx)
}

func (s *Store) check(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return database.Wrap(backendName, op, database.ErrNotConnected)
	}
	return nil
}

func (s *Store) channelPath(rest string) string {
	return "/channels/" + url.PathEscape(s.cfg.ChannelID) + "/" + rest
}

func (s *Store) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	if s.cfg.ReadAPIKey != "" {
		query.Set("api_key", s.cfg.ReadAPIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	return s.send(req, out)
}

func (s *Store) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.send(req, out)
}

func (s *Store) send(req *http.Request, out interface{}) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (s *Store) StoreReading(ctx context.Context, reading *models.Reading) (string, error) {
	if err := s.check("store reading"); err != nil {
		return "", err
	}

	ts := reading.Timestamp.UTC()
	form := url.Values{
		"api_key":    {s.cfg.WriteAPIKey},
		"field1":     {formatFloat(reading.Voltage)},
		"field2":     {formatFloat(reading.Current)},
		"field3":     {formatFloat(reading.Power)},
		"field4":     {formatFloat(reading.PowerFactor)},
		"field5":     {formatFloat(reading.Frequency)},
		"field6":     {reading.DeviceID},
		"field7":     {string(reading.Source)},
		"field8":     {strconv.FormatInt(ts.UnixMilli(), 10)},
		"created_at": {ts.Format(time.RFC3339)},
	}

	// a rejected update answers with the bare number 0
	var entry json.RawMessage
	if err := s.postForm(ctx, "/update.json", form, &entry); err != nil {
		return "", database.Wrap(backendName, "store reading", err)
	}

	var f feed
	if err := json.Unmarshal(entry, &f); err != nil || f.EntryID == 0 {
		return "", database.Wrap(backendName, "store reading", errors.New("update rejected by channel"))
	}
	return strconv.FormatInt(f.EntryID, 10), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func (f feed) reading() models.Reading {
	ts := f.CreatedAt
	if ms, err := strconv.ParseInt(strings.TrimSpace(f.Field8), 10, 64); err == nil {
		ts = time.UnixMilli(ms).UTC()
	}
	return models.Reading{
		ID:          strconv.FormatInt(f.EntryID, 10),
		DeviceID:    f.Field6,
		Voltage:     parseFloat(f.Field1),
		Current:     parseFloat(f.Field2),
		Power:       parseFloat(f.Field3),
		PowerFactor: parseFloat(f.Field4),
		Frequency:   parseFloat(f.Field5),
		Timestamp:   ts,
		Source:      models.ReadingSource(f.Field7),
	}
}

// GetLatestReading returns the entry written last for the device. The
// channel's last entry answers when it belongs to the device; otherwise the
// feed is paged back until the device shows up.
func (s *Store) GetLatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	if err := s.check("get latest reading"); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := s.get(ctx, s.channelPath("feeds/last.json"), nil, &raw); err != nil {
		return nil, database.Wrap(backendName, "get latest reading", err)
	}

	var last feed
	if err := json.Unmarshal(raw, &last); err == nil && last.EntryID != 0 && last.Field6 == deviceID {
		r := last.reading()
		return &r, nil
	}

	var latest *feed
	err := s.scan(ctx, "get latest reading", nil, nil, func(page []feed) bool {
		for i := range page {
			if page[i].Field6 == deviceID && (latest == nil || page[i].EntryID > latest.EntryID) {
				latest = &page[i]
			}
		}
		return latest == nil
	})
	if err != nil && latest == nil {
		if errors.Is(err, ErrTruncated) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}

	r := latest.reading()
	return &r, nil
}

// scan pages through the channel feed from end back to start, newest page
// first. visit gets the entries of each page not seen before and returns
// false to stop. A window that does not fit in maxPages pages is an
// ErrTruncated error, never a short result.
func (s *Store) scan(ctx context.Context, op string, start, end *time.Time, visit func([]feed) bool) error {
	seen := make(map[int64]bool)
	upper := end

	for page := 0; page < s.maxPages; page++ {
		query := url.Values{
			"results":  {strconv.Itoa(s.pageSize)},
			"timezone": {"Etc/UTC"},
		}
		if start != nil {
			query.Set("start", start.UTC().Format(feedTimeLayout))
		}
		if upper != nil {
			query.Set("end", upper.UTC().Format(feedTimeLayout))
		}

		var out feedsResponse
		if err := s.get(ctx, s.channelPath("feeds.json"), query, &out); err != nil {
			return database.Wrap(backendName, op, err)
		}

		fresh := make([]feed, 0, len(out.Feeds))
		var oldest time.Time
		for _, f := range out.Feeds {
			if oldest.IsZero() || f.CreatedAt.Before(oldest) {
				oldest = f.CreatedAt
			}
			if seen[f.EntryID] {
				continue
			}
			seen[f.EntryID] = true
			fresh = append(fresh, f)
		}

		if !visit(fresh) || len(out.Feeds) < s.pageSize {
			return nil
		}
		// a full page inside one second cannot be paged past
		if len(fresh) == 0 {
			break
		}
		// end is inclusive, so the oldest second is fetched again and deduplicated
		upper = &oldest
	}

	return database.Wrap(backendName, op, ErrTruncated)
}

// readings loads the device entries with start <= timestamp <= end
func (s *Store) readings(ctx context.Context, op, deviceID string, start, end time.Time) ([]models.Reading, error) {
	// the feeds API has second granularity
	from := start.Truncate(time.Second)
	to := end.Truncate(time.Second)

	var out []models.Reading
	err := s.scan(ctx, op, &from, &to, func(page []feed) bool {
		for _, f := range page {
			if f.Field6 == deviceID {
				out = append(out, f.reading())
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return database.FilterRange(out, start, end), nil
}

func (s *Store) GetHistoricalData(ctx context.Context, deviceID string, hoursBack, limit int) ([]models.Reading, error) {
	if err := s.check("get historical data"); err != nil {
		return nil, err
	}

	from, to := database.HistoryWindow(s.now(), hoursBack)
	out, err := s.readings(ctx, "get historical data", deviceID, from, to)
	if err != nil {
		return nil, err
	}

	database.NewestFirst(out)
	return database.Truncate(out, database.HistoryLimit(limit)), nil
}

func (s *Store) GetEnergyStatistics(ctx context.Context, deviceID string, period models.StatsPeriod) (*models.EnergyStatistics, error) {
	window, err := database.PeriodWindow(period)
	if err != nil {
		return nil, err
	}

	to := s.now()
	from := to.Add(-window)
	readings, err := s.ExportEnergyData(ctx, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	return database.ComputeStatistics(deviceID, period, from, to, readings), nil
}

func (s *Store) ExportEnergyData(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if err := s.check("export energy data"); err != nil {
		return nil, err
	}
	if start.After(end) {
		return []models.Reading{}, nil
	}

	out, err := s.readings(ctx, "export energy data", deviceID, start, end)
	if err != nil {
		return nil, err
	}

	database.OldestFirst(out)
	return out, nil
}

// SendDeviceCommand queues "<device>:<command>[:<value>]" on the TalkBack
func (s *Store) SendDeviceCommand(ctx context.Context, cmd *models.DeviceCommand) (string, error) {
	if err := s.check("send device command"); err != nil {
		return "", err
	}
	if s.cfg.TalkBackID == "" {
		return "", database.Wrap(backendName, "send device command", errors.New("THINGSPEAK_TALKBACK_ID is not configured"))
	}

	form := url.Values{
		"api_key":        {s.cfg.TalkBackAPIKey},
		"command_string": {CommandString(cmd)},
	}

	var created talkBackCommand
	path := "/talkbacks/" + url.PathEscape(s.cfg.TalkBackID) + "/commands.json"
	if err := s.postForm(ctx, path, form, &created); err != nil {
		return "", database.Wrap(backendName, "send device command", err)
	}
	if created.ID == 0 {
		return "", database.Wrap(backendName, "send device command", errors.New("talkback rejected the command"))
	}
	return strconv.FormatInt(created.ID, 10), nil
}

// CommandString encodes a command the way the device firmware parses it
func CommandString(cmd *models.DeviceCommand) string {
	s := cmd.DeviceID + ":" + string(cmd.Command)
	if cmd.Value != nil {
		s += ":" + formatFloat(*cmd.Value)
	}
	return s
}

func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	if err := s.check("get device status"); err != nil {
		return nil, err
	}
	return s.mirror.GetDeviceStatus(ctx, deviceID)
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	if err := s.check("update device status"); err != nil {
		return err
	}
	return s.mirror.UpdateDeviceStatus(ctx, status)
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	if err := s.check("create alert"); err != nil {
		return "", err
	}
	return s.mirror.CreateAlert(ctx, alert)
}

func (s *Store) GetAlerts(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
	if err := s.check("get alerts"); err != nil {
		return nil, err
	}
	return s.mirror.GetAlerts(ctx, resolved, limit)
}
