package config

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdsagent/internal/eventhub"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// fakeFactory hands out inert clients.
type fakeFactory struct{}

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

func (fakeFactory) Table(string) (store.TableClient, error) { return nullTableClient{}, nil }
func (fakeFactory) Blob(string) (store.BlobClient, error)   { return nullBlobClient{}, nil }

type nullPublisher struct{}

func (nullPublisher) Publish([]byte) error { return nil }
func (nullPublisher) Reset()               {}
func (nullPublisher) Close()               {}

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	logger := logrus.New()
	settings := &Settings{}
	settings.applyDefaults()
	settings.App.DataDir = t.TempDir()
	settings.Persist.Dir = t.TempDir()

	return &Runtime{
		Settings: settings,
		Helper:   store.NewHelper(fakeFactory{}),
		EventHubs: eventhub.NewManager(func(string, string) (eventhub.Publisher, error) {
			return nullPublisher{}, nil
		}, "", 0, logger),
		Logger: logger,
	}
}

const sampleConfig = `<MonitoringManagement version="1.0" namespace="Test" eventVersion="2" timestamp="2024-06-01T00:00:00.000Z">
  <Accounts>
    <Account moniker="primary" account="teststorage" key="c2VjcmV0" isDefault="true" />
    <SharedAccessSignature moniker="sasacct" account="other" key="sv=2020-08-04&amp;ss=bt&amp;sig=abc" />
  </Accounts>
  <Management eventVolume="Medium">
    <Identity>
      <IdentityComponent name="Tenant" envariable="MONITORING_TENANT" />
      <IdentityComponent name="Role">testrole</IdentityComponent>
      <IdentityComponent name="RoleInstance" useComputerName="true" />
    </Identity>
    <AgentResourceUsage diskQuotaInMB="5000" dupeWindowSeconds="120" />
    <OboDirectPartitionField name="resourceId" value="/subscriptions/abc/vm1" />
  </Management>
  <Schemas>
    <Schema name="syslogSchema">
      <Column name="host" type="str" mdstype="mt:wstr" />
      <Column name="msg" type="str" mdstype="mt:wstr" />
      <Column name="sev" type="int" mdstype="mt:int32" />
    </Schema>
  </Schemas>
  <Sources>
    <Source name="syslog" schema="syslogSchema" />
    <Source name="perf" dynamic_schema="true" />
  </Sources>
  <Events>
    <MdsdEvents>
      <MdsdEventSource source="syslog">
        <RouteEvent eventName="SyslogEvent" priority="High" storeType="Central" />
      </MdsdEventSource>
    </MdsdEvents>
    <DerivedEvents>
      <DerivedEvent eventName="PerfAgg" source="perf" duration="PT1M" storeType="Central">
        <LADQuery columnValue="value" columnName="counter" partitionKey="pk0" />
      </DerivedEvent>
    </DerivedEvents>
    <HeartBeats>
      <HeartBeat eventName="AgentHeartBeat" storeType="Local" priority="Normal" />
    </HeartBeats>
  </Events>
  <ServiceBusAccountInfos>
    <ServiceBusAccountInfo moniker="ehmon" connectionString="Endpoint=sb://ns.servicebus.windows.net/;EntityPath=hub" />
  </ServiceBusAccountInfos>
  <EventStreamingAnnotations>
    <EventStreamingAnnotation name="syslog">
      <EventPublisher moniker="ehmon" />
    </EventStreamingAnnotation>
  </EventStreamingAnnotations>
</MonitoringManagement>`

func TestParseSampleConfig(t *testing.T) {
	cfg := Parse([]byte(sampleConfig), testRuntime(t), true)

	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Diags.Count(Fatal))
	assert.Zero(t, cfg.Diags.Count(Error))

	assert.Equal(t, "Test", cfg.Namespace)
	assert.Equal(t, 2, cfg.EventVersion)
	assert.Equal(t, uint64(10), cfg.pcount)
	assert.Equal(t, 120*time.Second, cfg.DupeWindow())
	assert.Equal(t, "/subscriptions/abc/vm1", cfg.ResourceID())

	// Accounts.
	require.NotNil(t, cfg.GetCredentials(""))
	assert.Equal(t, "primary", cfg.GetCredentials("").Moniker)
	sas := cfg.GetCredentials("sasacct")
	require.NotNil(t, sas)
	assert.True(t, sas.IsAccountSas)

	// Identity columns, in declaration order.
	ident := cfg.IdentityColumns()
	require.Len(t, ident, 3)
	assert.Equal(t, "Tenant", ident[0].Name)
	assert.Equal(t, "Role", ident[1].Name)
	assert.Equal(t, "testrole", ident[1].Value.Str())

	// Sources.
	assert.True(t, cfg.HasSource("syslog"))
	assert.True(t, cfg.HasSource("perf"))
	assert.False(t, cfg.HasSource("nope"))
	assert.NotZero(t, cfg.StaticSchemaID("syslog"))
	assert.Zero(t, cfg.StaticSchemaID("perf"))

	// Tasks: RouteEvent, DerivedEvent, HeartBeat, AgentResourceUsage.
	assert.Len(t, cfg.tasks, 4)

	// Publisher annotation.
	ann, ok := cfg.annotations["syslog"]
	require.True(t, ok)
	assert.Equal(t, "ehmon", ann.Moniker)
	assert.NotEmpty(t, cfg.serviceBus["ehmon"])
}

func TestParseDiagnostics(t *testing.T) {
	doc := `<MonitoringManagement version="1.0" namespace="NS" eventVersion="1">
  <Accounts>
    <Account account="a" key="k" />
  </Accounts>
  <Bogus><Deeper attr="x">text</Deeper></Bogus>
  <Sources>
    <Source name="s1" schema="missing" unknownattr="1" />
  </Sources>
</MonitoringManagement>`

	cfg := Parse([]byte(doc), testRuntime(t), true)

	// Account without moniker is fatal; unknown element is an error;
	// unknown attribute is a warning.
	assert.NotZero(t, cfg.Diags.Count(Fatal))
	assert.NotZero(t, cfg.Diags.Count(Error))
	assert.NotZero(t, cfg.Diags.Count(Warning))
	assert.Error(t, cfg.Validate())
}

func TestReloadGatingOnErrors(t *testing.T) {
	// A config with error-level (not fatal) diagnostics: source with
	// an undefined schema.
	doc := `<MonitoringManagement version="1.0" namespace="NS" eventVersion="1">
  <Sources><Source name="s1" schema="missing" /></Sources>
</MonitoringManagement>`

	startup := Parse([]byte(doc), testRuntime(t), true)
	assert.NoError(t, startup.Validate(), "startup tolerates error diagnostics")

	reload := Parse([]byte(doc), testRuntime(t), false)
	assert.Error(t, reload.Validate(), "reload rejects error diagnostics")
}

func TestRouteRequiresKnownSource(t *testing.T) {
	doc := `<MonitoringManagement version="1.0" namespace="NS" eventVersion="1">
  <Events>
    <MdsdEvents>
      <MdsdEventSource source="ghost">
        <RouteEvent eventName="X" storeType="Local" />
      </MdsdEventSource>
    </MdsdEvents>
  </Events>
</MonitoringManagement>`

	cfg := Parse([]byte(doc), testRuntime(t), true)
	assert.NotZero(t, cfg.Diags.Count(Error))
	assert.Empty(t, cfg.tasks)
}

func TestRouteDeliversToLocalSink(t *testing.T) {
	cfg := Parse([]byte(sampleConfig), testRuntime(t), true)
	require.NoError(t, cfg.Validate())

	row := types.NewRow(2)
	row.AddString("host", "h1")
	row.AddString("msg", "hello")
	row.Timestamp = types.Now()
	row.Origin = types.Ingested

	cfg.Route("syslog", row)

	def := cfg.sources["syslog"]
	assert.NotZero(t, def.Sink.Size(), "ingested rows land in the source's local sink")
}

func TestXMLSyntaxErrorIsFatalDiagnostic(t *testing.T) {
	cfg := Parse([]byte(`<MonitoringManagement><Unclosed>`), testRuntime(t), true)
	assert.NotZero(t, cfg.Diags.Count(Fatal))
	assert.Error(t, cfg.Validate())
}
