package commands

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizePayload(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload string
		want    string
		field   string
	}{
		{name: "wake defaults to empty object", typ: TypeWakeUp, payload: "", want: `{}`},
		{name: "wake with collection hours", typ: TypeWakeUp, payload: `{"collection_hours":12,"telemetry_interval_minutes":60}`, want: `{"collection_hours":12,"telemetry_interval_minutes":60}`},
		{name: "wake rejects unknown field", typ: TypeWakeUp, payload: `{"hours":12}`, field: "payload"},
		{name: "wake rejects long window", typ: TypeWakeUp, payload: `{"collection_hours":100}`, field: "collection_hours"},
		{name: "reset emptied default", typ: TypeResetEmptied, payload: "null", want: `{"emptied":false}`},
		{name: "config needs a field", typ: TypeUpdateConfig, payload: `{}`, field: "payload"},
		{name: "config interval", typ: TypeUpdateConfig, payload: `{"telemetry_interval_minutes":15}`, want: `{"telemetry_interval_minutes":15}`},
		{name: "config battery out of range", typ: TypeUpdateConfig, payload: `{"battery_threshold_v":9}`, field: "battery_threshold_v"},
		{name: "array rejected", typ: TypeGetStatus, payload: `[1,2]`, field: "payload"},
		{name: "status passes object through", typ: TypeGetStatus, payload: ` {"verbose":true} `, want: `{"verbose":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePayload(tc.typ, json.RawMessage(tc.payload))
			if tc.field != "" {
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != tc.field {
					t.Fatalf("expected validation error on %s, got %v", tc.field, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Fatal("pending must not be terminal")
	}
	for _, s := range []Status{StatusAcknowledged, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}
