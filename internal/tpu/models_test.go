package tpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTypeCategoryAndUnit(t *testing.T) {
	assert.Equal(t, "energy", ServicePower.Category())
	assert.Equal(t, "kWh", ServicePower.Unit())
	assert.Equal(t, "water", ServiceWater.Category())
	assert.Equal(t, "CCF", ServiceWater.Unit())
}

func TestServiceFromDiscovery(t *testing.T) {
	tests := []struct {
		name string
		in   discoveryService
		want Service
	}{
		{
			name: "export meter number preferred for display",
			in: discoveryService{
				ServiceID:      "svc-1",
				ServiceNumber:  "100",
				MeterNumber:    "M-100",
				ExportMeterNum: "E-100",
				ServiceType:    "P",
			},
			want: Service{
				ServiceID:          "svc-1",
				ServiceNumber:      "100",
				MeterNumber:        "M-100",
				DisplayMeterNumber: "E-100",
				Type:               ServicePower,
			},
		},
		{
			name: "meter number fallback and totalizer flag",
			in: discoveryService{
				ServiceID:      "svc-2",
				ServiceNumber:  "200",
				MeterNumber:    "M-200",
				ServiceType:    "W",
				TotalizerMeter: "Y",
			},
			want: Service{
				ServiceID:          "svc-2",
				ServiceNumber:      "200",
				MeterNumber:        "M-200",
				DisplayMeterNumber: "M-200",
				Type:               ServiceWater,
				Totalizer:          true,
			},
		},
		{
			name: "unknown service type defaults to power",
			in: discoveryService{
				ServiceID:     "svc-3",
				ServiceNumber: "300",
				MeterNumber:   "M-300",
				ServiceType:   "G",
			},
			want: Service{
				ServiceID:          "svc-3",
				ServiceNumber:      "300",
				MeterNumber:        "M-300",
				DisplayMeterNumber: "M-300",
				Type:               ServicePower,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serviceFromDiscovery(tt.in))
		})
	}
}

func TestServiceFromConfigRoundTrip(t *testing.T) {
	blob := []byte(`{
		"service_id": "svc-1",
		"service_number": "100",
		"meter_number": "M-100",
		"service_type": "W",
		"totalizer": true
	}`)

	svc, err := ServiceFromConfig(blob)
	require.NoError(t, err)
	assert.Equal(t, "M-100", svc.DisplayMeterNumber, "display falls back to meter number")
	assert.Equal(t, ServiceWater, svc.Type)
	assert.True(t, svc.Totalizer)
}

func TestServiceFromConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not json", `{`},
		{"missing service_id", `{"service_number":"100","meter_number":"M-100","service_type":"P"}`},
		{"missing service_number", `{"service_id":"svc-1","meter_number":"M-100","service_type":"P"}`},
		{"missing meter_number", `{"service_id":"svc-1","service_number":"100","service_type":"P"}`},
		{"unknown service_type", `{"service_id":"svc-1","service_number":"100","meter_number":"M-100","service_type":"X"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ServiceFromConfig([]byte(tt.blob))
			assert.Error(t, err)
		})
	}
}

func TestReadingFromEntry(t *testing.T) {
	high, low := 58.0, 41.0
	r, err := readingFromEntry(usageEntry{
		UsageDate:             "2026-03-15",
		UsageConsumptionValue: 12.5,
		UOM:                   "kWh",
		UsageHighTemp:         &high,
		UsageLowTemp:          &low,
		DemandPeakTime:        "2026-03-15 17:45",
		UsageCategory:         "D",
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), r.Date)
	assert.Equal(t, 12.5, r.Consumption)
	assert.Equal(t, "kWh", r.Unit)
	require.NotNil(t, r.DemandPeakTime)
	assert.Equal(t, time.Date(2026, 3, 15, 17, 45, 0, 0, time.UTC), *r.DemandPeakTime)
}

func TestReadingFromEntryBadPeakTimeIsDropped(t *testing.T) {
	r, err := readingFromEntry(usageEntry{
		UsageDate:             "2026-03-15",
		UsageConsumptionValue: 3.0,
		UOM:                   "CCF",
		DemandPeakTime:        "not a timestamp",
	})
	require.NoError(t, err)
	assert.Nil(t, r.DemandPeakTime)
}

func TestReadingFromEntryBadDateIsError(t *testing.T) {
	_, err := readingFromEntry(usageEntry{UsageDate: "03/15/2026"})
	assert.Error(t, err)
}
