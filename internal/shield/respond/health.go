// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package respond

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthBody struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

// Health writes the JSON health payload spec.md §6 specifies: storeHealthy
// degrades the redis sub-status without failing the endpoint itself — the
// gateway process being reachable at all is the signal this endpoint
// carries.
func Health(w http.ResponseWriter, storeHealthy bool) {
	redisStatus := "healthy"
	if !storeHealthy {
		redisStatus = "degraded"
	}
	body := healthBody{
		Status: "ok",
		Services: map[string]string{
			"api":   "healthy",
			"redis": redisStatus,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
