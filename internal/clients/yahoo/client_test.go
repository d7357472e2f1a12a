package yahoo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnjoon/go-yfinance/pkg/models"
)

type fakeBackend struct {
	bars      map[string][]models.Bar
	errs      map[string]error
	info      map[string]*fundamentals
	failAll   error
	periods   []string
	downloads [][]string
}

func (f *fakeBackend) Download(ctx context.Context, symbols []string, period string) (map[string][]models.Bar, map[string]error, error) {
	f.downloads = append(f.downloads, symbols)
	f.periods = append(f.periods, period)
	if f.failAll != nil {
		return nil, nil, f.failAll
	}
	data := make(map[string][]models.Bar)
	errs := make(map[string]error)
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			data[s] = b
		} else if err, ok := f.errs[s]; ok {
			errs[s] = err
		}
	}
	return data, errs, nil
}

func (f *fakeBackend) History(ctx context.Context, symbol, period string) ([]models.Bar, error) {
	f.periods = append(f.periods, period)
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	return f.bars[symbol], nil
}

func (f *fakeBackend) Fundamentals(ctx context.Context, symbol string) (*fundamentals, error) {
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	return f.info[symbol], nil
}

func instruments(t *testing.T, symbols ...string) []domain.Instrument {
	t.Helper()
	out := make([]domain.Instrument, 0, len(symbols))
	for _, s := range symbols {
		inst, err := classifier.Classify(s)
		require.NoError(t, err)
		out = append(out, inst)
	}
	return out
}

func bar(date string, close float64) models.Bar {
	d, _ := time.Parse("2006-01-02 15:04", date+" 14:30")
	return models.Bar{Date: d, Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 1000}
}

func TestDescriptor(t *testing.T) {
	desc := NewClient(Config{}, zerolog.Nop()).Descriptor()
	assert.Equal(t, Name, desc.Name)
	assert.Equal(t, 50, desc.Weight)
	assert.Equal(t, 20, desc.MaxBatch)
	assert.True(t, desc.Supports(domain.MarketCN, domain.KindPERatio))
	assert.False(t, desc.SupportsKind(domain.KindETFNAV))
}

func TestFetch_Quotes(t *testing.T) {
	backend := &fakeBackend{
		bars: map[string][]models.Bar{
			"AAPL":    {bar("2024-01-11", 185.59), bar("2024-01-12", 185.92)},
			"0700.HK": {bar("2024-01-15", 320.4)},
		},
		errs: map[string]error{"BRK-B": errors.New("not found")},
	}
	client := newClient(Config{}, backend, zerolog.Nop())

	out, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindRealtimePrice,
		Instruments: instruments(t, "AAPL", "0700.HK", "BRK.B"),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, []string{"AAPL", "0700.HK", "BRK-B"}, backend.downloads[0])
	assert.Equal(t, quotePeriod, backend.periods[0])

	aapl := out["AAPL"].Value.(domain.PriceRecord)
	assert.Equal(t, 185.92, aapl.Price)
	assert.Equal(t, 185.59, aapl.PrevClose)
	assert.Equal(t, 0.33, aapl.Change)
	assert.True(t, out["AAPL"].Complete)

	// A single bar has no previous close
	assert.False(t, out["00700.HK"].Complete)
}

func TestFetch_QuotesAllFailed(t *testing.T) {
	backend := &fakeBackend{failAll: errors.New("connection reset")}
	client := newClient(Config{}, backend, zerolog.Nop())

	_, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindIndexLevel,
		Instruments: instruments(t, "^GSPC"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, []string{"^GSPC"}, backend.downloads[0])
}

func TestFetch_History(t *testing.T) {
	backend := &fakeBackend{
		bars: map[string][]models.Bar{
			"600519.SS": {bar("2024-01-10", 1650), bar("2024-01-11", 1660), bar("2024-01-12", 1670.5)},
		},
	}
	client := newClient(Config{}, backend, zerolog.Nop())

	out, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindOHLCSeries,
		Instruments: instruments(t, "600519"),
		Window:      2,
	})
	require.NoError(t, err)

	series := out["600519"].Value.(domain.OHLCSeries)
	require.Len(t, series.Bars, 2)
	assert.Equal(t, "2024-01-11", series.Bars[0].Date)
	assert.Equal(t, 1670.5, series.Bars[1].Close)
	assert.Equal(t, "1mo", backend.periods[0])
}

func TestFetch_Valuations(t *testing.T) {
	backend := &fakeBackend{
		info: map[string]*fundamentals{
			"AAPL": {Name: "Apple Inc.", Price: 185.92, PE: 30.1},
			"MSFT": {Name: "Microsoft", PrevClose: 388.47},
		},
	}
	client := newClient(Config{}, backend, zerolog.Nop())

	out, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindPERatio,
		Instruments: instruments(t, "AAPL", "MSFT", "^DJI"),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, 30.1, out["AAPL"].Value.(domain.ValuationRecord).PE)
	assert.True(t, out["AAPL"].Complete)

	msft := out["MSFT"]
	assert.False(t, msft.Complete, "no PE reported")
	assert.Equal(t, 388.47, msft.Value.(domain.ValuationRecord).Price)
}

func TestPeriodFor(t *testing.T) {
	assert.Equal(t, "1mo", PeriodFor(5))
	assert.Equal(t, "3mo", PeriodFor(60))
	assert.Equal(t, "6mo", PeriodFor(61))
	assert.Equal(t, "1y", PeriodFor(250))
	assert.Equal(t, "2y", PeriodFor(500))
	assert.Equal(t, "5y", PeriodFor(1000))
}

func TestWithContext_AbandonsSlowCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	started := time.Now()
	_, err := withContext(ctx, func() ([]models.Bar, error) {
		<-release
		return nil, nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestWithContext_ReturnsResult(t *testing.T) {
	got, err := withContext(context.Background(), func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}
