/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Cache key naming scheme.
//
//	user:{user_id}                              user profile data       60m
//	prediction:{user_id}:{item_id}              single prediction       15m
//	prediction:batch:{user_id}:{hash}           candidate-set result    15m
//	prediction:last:{user_id}:{hash}            last good result        6h (fallback source)
//	rate_limit:user:{user_id}:{endpoint}        rate limit counter      60m
//	session:{session_id}                        session                 30m
//	content:{name}                              content list            6h
//
// InvalidateByPrefix only accepts the KeyPrefix values below.

package api

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type KeyPrefix string

const (
	PrefixUser            KeyPrefix = "user:"
	PrefixPrediction      KeyPrefix = "prediction:"
	PrefixBatchPrediction KeyPrefix = "prediction:batch:"
	PrefixLastPrediction  KeyPrefix = "prediction:last:"
	PrefixRateLimit       KeyPrefix = "rate_limit:"
	PrefixSession         KeyPrefix = "session:"
	PrefixContent         KeyPrefix = "content:"
)

var knownPrefixes = []KeyPrefix{
	PrefixUser, PrefixPrediction, PrefixBatchPrediction, PrefixLastPrediction,
	PrefixRateLimit, PrefixSession, PrefixContent,
}

// Validate fails for prefixes outside the documented namespaces.
func (p KeyPrefix) Validate() error {
	if !slices.Contains(knownPrefixes, p) {
		return fmt.Errorf("unknown key prefix %q", string(p))
	}
	return nil
}

const (
	TTLPrediction     = 15 * time.Minute
	TTLLastPrediction = 6 * time.Hour
	TTLSession        = 30 * time.Minute
	TTLUser           = 60 * time.Minute

	// TTLRateLimit is one fixed rate-limit window; the counter expires with it.
	TTLRateLimit = time.Minute
)

// ChannelJobsCompleted carries job completion notices.
const ChannelJobsCompleted = "events:jobs:completed"

func UserKey(userID string) string {
	return string(PrefixUser) + userID
}

func PredictionKey(userID, itemID string) string {
	return string(PrefixPrediction) + userID + ":" + itemID
}

func BatchPredictionKey(userID, hash string) string {
	return string(PrefixBatchPrediction) + userID + ":" + hash
}

func LastPredictionKey(userID, hash string) string {
	return string(PrefixLastPrediction) + userID + ":" + hash
}

func RateLimitKey(userID, endpoint string) string {
	return string(PrefixRateLimit) + "user:" + userID + ":" + endpoint
}

func SessionKey(sessionID string) string {
	return string(PrefixSession) + sessionID
}

func ContentKey(name string) string {
	return string(PrefixContent) + name
}

// CandidateHash hashes a candidate item set independently of its order.
func CandidateHash(itemIDs []string) string {
	sorted := slices.Clone(itemIDs)
	slices.Sort(sorted)
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(sorted, "\x00")), 16)
}
