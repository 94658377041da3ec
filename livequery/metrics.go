// Copyright 2022 The livequery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package livequery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationalEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_operational_events_total",
			Help: "Connection lifecycle events by kind",
		},
		[]string{"event"},
	)

	changeEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_change_events_total",
			Help: "Change events received by mutation kind",
		},
		[]string{"type"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_notifications_total",
			Help: "Notifications queued for delivery by event type",
		},
		[]string{"event"},
	)

	notificationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livequery_notification_errors_total",
		Help: "Per subscriber notification failures reported as error frames",
	})

	slowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livequery_slow_clients_dropped_total",
		Help: "Clients removed because their delivery queue was full",
	})

	requestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_request_errors_total",
			Help: "Client requests rejected, by error kind",
		},
		[]string{"kind"},
	)
)
