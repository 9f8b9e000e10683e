package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdsagent/internal/config"
	"mdsagent/internal/eventhub"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

type nullTableClient struct{}

func (nullTableClient) InsertBatch(context.Context, string, []*types.Row, bool) error { return nil }
func (nullTableClient) CreateTableIfNotExists(context.Context, string) error          { return nil }

type nullBlobClient struct{}

func (nullBlobClient) PutBlock(context.Context, string, string, string, []byte) error { return nil }
func (nullBlobClient) PutBlockList(context.Context, string, string, []string) error   { return nil }
func (nullBlobClient) Download(context.Context, string) ([]byte, error) {
	return nil, &store.StatusError{Status: 404, Op: "download"}
}
func (nullBlobClient) LastModified(context.Context, string) (types.TimeValue, error) {
	return types.TimeValue{}, &store.StatusError{Status: 404, Op: "lmt"}
}

type fakeFactory struct{}

func (fakeFactory) Table(string) (store.TableClient, error) { return nullTableClient{}, nil }
func (fakeFactory) Blob(string) (store.BlobClient, error)   { return nullBlobClient{}, nil }

type nullPublisher struct{}

func (nullPublisher) Publish([]byte) error { return nil }
func (nullPublisher) Reset()               {}
func (nullPublisher) Close()               {}

const configA = `<MonitoringManagement version="1.0" namespace="SwapTest" eventVersion="1">
  <Schemas>
    <Schema name="s"><Column name="k" type="str" mdstype="mt:wstr" /></Schema>
  </Schemas>
  <Sources><Source name="swapsrc" schema="s" /></Sources>
  <Events>
    <MdsdEvents>
      <MdsdEventSource source="swapsrc">
        <RouteEvent eventName="TaskX" storeType="Local" duration="PT1M" />
      </MdsdEventSource>
    </MdsdEvents>
  </Events>
</MonitoringManagement>`

const configB = `<MonitoringManagement version="1.0" namespace="SwapTest" eventVersion="2">
  <Schemas>
    <Schema name="s"><Column name="k" type="str" mdstype="mt:wstr" /></Schema>
  </Schemas>
  <Sources><Source name="swapsrc" schema="s" /></Sources>
  <Events>
    <MdsdEvents>
      <MdsdEventSource source="swapsrc">
        <RouteEvent eventName="TaskY" storeType="Local" duration="PT1M" />
      </MdsdEventSource>
    </MdsdEvents>
  </Events>
</MonitoringManagement>`

func newTestAgent(t *testing.T) *Agent {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "mdsd.xml")
	require.NoError(t, os.WriteFile(configPath, []byte(configA), 0o644))

	settings := &config.Settings{}
	settings.App.DataDir = dir
	settings.Persist.Dir = filepath.Join(dir, "retry")
	settings.Config.Path = configPath
	settings.Config.GracePeriod = config.Duration(50 * time.Millisecond)
	settings.Ingest.JSONListen = "127.0.0.1:0"
	settings.Ingest.BinaryListen = "127.0.0.1:0"

	agent, err := New(Options{
		Settings: settings,
		Logger:   logrus.New(),
		Clients:  fakeFactory{},
		Publisher: func(string, string) (eventhub.Publisher, error) {
			return nullPublisher{}, nil
		},
	})
	require.NoError(t, err)
	return agent
}

func TestAgentStartAndHotSwap(t *testing.T) {
	agent := newTestAgent(t)
	require.NoError(t, agent.Start())
	defer agent.Stop()

	first := agent.Current()
	require.NotNil(t, first)
	assert.Equal(t, "SwapTest", first.Namespace)

	// Swap in config B; A retires after the grace period.
	require.NoError(t, agent.Activate([]byte(configB), false))
	second := agent.Current()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, second.EventVersion)

	// Rows routed through the shared source name survive the swap: the
	// local sink registry is process-wide.
	row := types.NewRow(1)
	row.AddString("k", "v")
	row.Timestamp = types.Now()
	second.Route("swapsrc", row)

	time.Sleep(100 * time.Millisecond) // let the grace timer fire
}

func TestActivateIdenticalConfigIsNoop(t *testing.T) {
	agent := newTestAgent(t)
	require.NoError(t, agent.Start())
	defer agent.Stop()

	before := agent.Current()
	require.NoError(t, agent.Activate([]byte(configA), false))
	assert.Same(t, before, agent.Current())
}

func TestActivateRejectedKeepsPrevious(t *testing.T) {
	agent := newTestAgent(t)
	require.NoError(t, agent.Start())
	defer agent.Stop()

	before := agent.Current()
	bad := `<MonitoringManagement version="1.0" namespace="X" eventVersion="1">
  <Sources><Source name="s1" schema="missing" /></Sources>
</MonitoringManagement>`
	assert.Error(t, agent.Activate([]byte(bad), false))
	assert.Same(t, before, agent.Current())
}
