package connector

// Criterion is one detection test. A connector applies to a host when all of
// its criteria succeed.
type Criterion interface {
	CriterionKind() string
}

// DeviceTypeCriterion keeps or excludes host types.
type DeviceTypeCriterion struct {
	Keep    []HostType
	Exclude []HostType
}

type HTTPCriterion struct {
	Method         string
	URL            string
	Header         string
	Body           string
	ResultContent  string
	ExpectedResult string
}

type SNMPGetCriterion struct {
	OID            string
	ExpectedResult string
}

type SNMPGetNextCriterion struct {
	OID            string
	ExpectedResult string
}

// WBEMCriterion runs a query; it is also the query used to validate the
// candidates of namespace auto-detection.
type WBEMCriterion struct {
	Query          string
	Namespace      string
	ExpectedResult string
}

type WMICriterion struct {
	Query          string
	Namespace      string
	ExpectedResult string
}

type OSCommandCriterion struct {
	CommandLine    string
	ExpectedResult string
	ExecuteLocally bool
	TimeoutSeconds int
}

// IPMICriterion succeeds when the host answers IPMI requests.
type IPMICriterion struct{}

// ProcessCriterion succeeds when a running process command line matches.
type ProcessCriterion struct {
	CommandLine string
}

// ServiceCriterion succeeds when a Windows service is running.
type ServiceCriterion struct {
	Name string
}

func (DeviceTypeCriterion) CriterionKind() string  { return "deviceType" }
func (HTTPCriterion) CriterionKind() string        { return "http" }
func (SNMPGetCriterion) CriterionKind() string     { return "snmpGet" }
func (SNMPGetNextCriterion) CriterionKind() string { return "snmpGetNext" }
func (WBEMCriterion) CriterionKind() string        { return "wbem" }
func (WMICriterion) CriterionKind() string         { return "wmi" }
func (OSCommandCriterion) CriterionKind() string   { return "osCommand" }
func (IPMICriterion) CriterionKind() string        { return "ipmi" }
func (ProcessCriterion) CriterionKind() string     { return "process" }
func (ServiceCriterion) CriterionKind() string     { return "service" }
