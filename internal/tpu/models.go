// Package tpu implements the MyTPU web API client and its domain records.
package tpu

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServiceType is the utility category of a meter.
type ServiceType string

const (
	ServicePower ServiceType = "P"
	ServiceWater ServiceType = "W"
)

// Category is the statistic category a service maps to.
func (t ServiceType) Category() string {
	if t == ServiceWater {
		return "water"
	}
	return "energy"
}

// Unit is the measurement unit the provider reports for this service type.
func (t ServiceType) Unit() string {
	if t == ServiceWater {
		return "CCF"
	}
	return "kWh"
}

func (t ServiceType) valid() bool {
	return t == ServicePower || t == ServiceWater
}

// Service identifies one meter on the account. Immutable once constructed,
// whether from live discovery or from a persisted configuration blob; both
// paths produce equivalent values for the same meter.
type Service struct {
	ServiceID          string      `json:"service_id"`
	ServiceNumber      string      `json:"service_number"`
	MeterNumber        string      `json:"meter_number"`
	DisplayMeterNumber string      `json:"display_meter_number"`
	Type               ServiceType `json:"service_type"`
	Latitude           string      `json:"latitude,omitempty"`
	Longitude          string      `json:"longitude,omitempty"`
	ContractNumber     string      `json:"contract_number,omitempty"`
	Totalizer          bool        `json:"totalizer"`
}

// discoveryService is the wire shape of one entry in the account discovery
// response.
type discoveryService struct {
	ServiceID        string `json:"serviceId"`
	ServiceNumber    string `json:"serviceNumber"`
	MeterNumber      string `json:"meterNumber"`
	ExportMeterNum   string `json:"exportMeterNum"`
	ServiceType      string `json:"serviceType"`
	Latitude         string `json:"latitude"`
	Longitude        string `json:"longitude"`
	ServiceContract  string `json:"serviceContract"`
	TotalizerMeter   string `json:"totalizerMeter"`
	ActiveServiceInd string `json:"activeServiceInd"`
}

func serviceFromDiscovery(d discoveryService) Service {
	display := d.ExportMeterNum
	if display == "" {
		display = d.MeterNumber
	}
	st := ServiceType(d.ServiceType)
	if !st.valid() {
		st = ServicePower
	}
	return Service{
		ServiceID:          d.ServiceID,
		ServiceNumber:      d.ServiceNumber,
		MeterNumber:        d.MeterNumber,
		DisplayMeterNumber: display,
		Type:               st,
		Latitude:           d.Latitude,
		Longitude:          d.Longitude,
		ContractNumber:     d.ServiceContract,
		Totalizer:          d.TotalizerMeter == "Y",
	}
}

// ServiceFromConfig rebuilds a Service from a persisted JSON blob. Malformed
// blobs are rejected here, at the load boundary, not at point of use.
func ServiceFromConfig(raw []byte) (Service, error) {
	var svc Service
	if err := json.Unmarshal(raw, &svc); err != nil {
		return Service{}, fmt.Errorf("invalid service config: %w", err)
	}
	if svc.DisplayMeterNumber == "" {
		svc.DisplayMeterNumber = svc.MeterNumber
	}
	if err := svc.Validate(); err != nil {
		return Service{}, err
	}
	return svc, nil
}

// Validate rejects service identities that cannot address a meter.
func (s Service) Validate() error {
	if s.ServiceID == "" {
		return fmt.Errorf("service config missing service_id")
	}
	if s.ServiceNumber == "" {
		return fmt.Errorf("service config missing service_number")
	}
	if s.MeterNumber == "" {
		return fmt.Errorf("service config missing meter_number")
	}
	if !s.Type.valid() {
		return fmt.Errorf("service config has unknown service_type %q", string(s.Type))
	}
	return nil
}

// UsageReading is one finalized day of consumption for a meter. Date is the
// calendar day at UTC midnight.
type UsageReading struct {
	Date           time.Time
	Consumption    float64
	Unit           string
	HighTemp       *float64
	LowTemp        *float64
	DemandPeakTime *time.Time
}

const (
	usageDateLayout = "2006-01-02"
	apiTimeLayout   = "2006-01-02 15:04"

	// The provider pads usage history with unfinalized monthly placeholder
	// rows (category "M") carrying zero consumption; they are superseded by
	// per-day "D" rows once billing is finalized.
	categoryMonthlyPlaceholder = "M"
)

type usageEntry struct {
	UsageDate             string   `json:"usageDate"`
	UsageConsumptionValue float64  `json:"usageConsumptionValue"`
	UOM                   string   `json:"uom"`
	UsageHighTemp         *float64 `json:"usageHighTemp"`
	UsageLowTemp          *float64 `json:"usageLowTemp"`
	DemandPeakTime        string   `json:"demandPeakTime"`
	UsageCategory         string   `json:"usageCategory"`
}

func readingFromEntry(e usageEntry) (UsageReading, error) {
	date, err := time.ParseInLocation(usageDateLayout, e.UsageDate, time.UTC)
	if err != nil {
		return UsageReading{}, fmt.Errorf("invalid usageDate %q: %w", e.UsageDate, err)
	}

	// An unparseable peak time becomes absent rather than poisoning the
	// whole reading.
	var peak *time.Time
	if e.DemandPeakTime != "" {
		if p, err := time.ParseInLocation(apiTimeLayout, e.DemandPeakTime, time.UTC); err == nil {
			peak = &p
		}
	}

	return UsageReading{
		Date:           date,
		Consumption:    e.UsageConsumptionValue,
		Unit:           e.UOM,
		HighTemp:       e.UsageHighTemp,
		LowTemp:        e.UsageLowTemp,
		DemandPeakTime: peak,
	}, nil
}
