// Package scoring holds the pure scoring formulas used by the aggregator and the stats reporter.
package scoring

import (
	"math"
	"sort"
)

// Engagement weights for the virality score
const (
	ZapWeight      = 3.0
	SatWeight      = 0.001
	ReplyWeight    = 2.0
	RepostWeight   = 2.5
	ReactionWeight = 1.0

	// ViralityHalfLifeHours is the age at which a score halves
	ViralityHalfLifeHours = 6.0
)

// Engagement counts what happened to a note
type Engagement struct {
	Zaps      int64
	ZapSats   int64
	Replies   int64
	Reposts   int64
	Reactions int64
}

// Total returns the number of engagement events, ignoring sats
func (e Engagement) Total() int64 {
	return e.Zaps + e.Replies + e.Reposts + e.Reactions
}

// Virality weights engagement and decays it exponentially with age.
// The result is left unrounded so it stays strictly decreasing in age.
func Virality(e Engagement, ageHours float64) float64 {
	score := float64(e.Zaps)*ZapWeight +
		float64(e.ZapSats)*SatWeight +
		float64(e.Replies)*ReplyWeight +
		float64(e.Reposts)*RepostWeight +
		float64(e.Reactions)*ReactionWeight

	decay := 1.0
	if ageHours > 0 {
		decay = math.Exp(-math.Ln2 / ViralityHalfLifeHours * ageHours)
	}

	return score * decay
}

// Trend scores a hashtag by mention velocity, author diversity and zaps
func Trend(mentions int, windowHours float64, uniqueAuthors int, totalZaps int64) float64 {
	if windowHours <= 0 {
		windowHours = 1
	}

	velocity := float64(mentions) / windowHours
	diversity := math.Log1p(float64(uniqueAuthors))
	zapFactor := math.Log1p(float64(totalZaps))

	return velocity * diversity * (1 + zapFactor)
}

// QualityInput holds the signals for Quality
type QualityInput struct {
	ContentLength int
	HasMedia      bool
	HashtagCount  int
	ZapCount      int64
	ReplyCount    int64
}

// Quality is a 0-100 heuristic of note quality
func Quality(in QualityInput) float64 {
	length := float64(in.ContentLength)
	var lengthScore float64
	switch {
	case in.ContentLength < 50:
		lengthScore = length / 50 * 50
	case in.ContentLength <= 500:
		lengthScore = 50 + (length-50)/450*50
	default:
		lengthScore = 100 - math.Min(50, (length-500)/100)
	}

	mediaScore := 0.0
	if in.HasMedia {
		mediaScore = 20
	}

	var hashtagScore float64
	switch n := in.HashtagCount; {
	case n == 0:
		hashtagScore = 0
	case n <= 3:
		hashtagScore = 15
	case n <= 5:
		hashtagScore = 10
	default:
		hashtagScore = math.Max(0, 10-float64(n-5)*2)
	}

	engagementScore := math.Min(30, float64(in.ZapCount*5+in.ReplyCount*2))

	score := lengthScore*0.3 + mediaScore*0.2 + hashtagScore*0.1 + engagementScore*0.4
	return Round(clamp(score, 0, 100), 2)
}

// SpamInput holds the signals for IsSpam
type SpamInput struct {
	ContentLength int
	HashtagCount  int
	URLCount      int
	MentionCount  int
	IsReply       bool
}

// IsSpam applies a fixed set of rules for likely spam
func IsSpam(in SpamInput) bool {
	switch {
	case in.ContentLength < 20 && in.HashtagCount > 5:
		return true
	case in.HashtagCount > 10:
		return true
	case in.ContentLength < 100 && in.URLCount > 3:
		return true
	case in.ContentLength < 50 && in.MentionCount > 5:
		return true
	case !in.IsReply && in.ContentLength < 30 && in.MentionCount > 3:
		return true
	}
	return false
}

// RelayHealth combines uptime, latency, throughput and error rate into 0-100
func RelayHealth(uptimePct, latencyMs, eventsPerSec, errorRate float64) float64 {
	uptimeScore := uptimePct
	latencyScore := math.Max(0, 100-latencyMs/10)
	throughputScore := math.Min(100, math.Log1p(eventsPerSec)*20)
	errorScore := math.Max(0, 100-errorRate*100)

	score := uptimeScore*0.4 + latencyScore*0.3 + throughputScore*0.2 + errorScore*0.1
	return Round(clamp(score, 0, 100), 2)
}

// EngagementRate returns the average engagements per note relative to followers, as a percentage
func EngagementRate(engagements, followers, notes int64) float64 {
	if followers <= 0 || notes <= 0 {
		return 0
	}
	perNote := float64(engagements) / float64(notes)
	return Round(perNote/float64(followers)*100, 2)
}

// InfluenceInput holds the signals for Influence
type InfluenceInput struct {
	Followers    int64
	ZapsReceived int64
	Notes        int64
	AgeDays      float64
}

// Influence weighs audience, zaps, zaps per note, posting frequency and account age.
// Posting frequency is capped at ten notes a day.
func Influence(in InfluenceInput) float64 {
	var zapsPerNote float64
	if in.Notes > 0 {
		zapsPerNote = float64(in.ZapsReceived) / float64(in.Notes)
	}

	var frequency, age float64
	if in.AgeDays > 0 {
		frequency = math.Min(float64(in.Notes)/in.AgeDays, 10) * 2
		age = in.AgeDays
	}

	score := math.Log1p(float64(in.Followers))*2.0 +
		math.Log1p(float64(in.ZapsReceived))*1.5 +
		zapsPerNote*10 +
		frequency*0.5 +
		math.Log1p(age/30)*0.5

	return Round(score, 2)
}

// Growth describes how fast new users arrive
type Growth struct {
	// DailyRate is today's new users as a percentage of all users
	DailyRate float64 `json:"daily_growth_rate"`
	// DayOverDay is the change in new users against the previous day, as a percentage
	DayOverDay float64 `json:"day_over_day_growth"`
}

// GrowthRate compares new users today against the total and against yesterday
func GrowthRate(newToday, total, newYesterday int64) Growth {
	var g Growth
	if total > 0 {
		g.DailyRate = Round(float64(newToday)/float64(total)*100, 2)
	}
	if newYesterday > 0 {
		g.DayOverDay = Round(float64(newToday-newYesterday)/float64(newYesterday)*100, 2)
	}
	return g
}

// HourlyDistribution counts unix timestamps by UTC hour of day
func HourlyDistribution(timestamps []int64) [24]int64 {
	var hours [24]int64
	for _, ts := range timestamps {
		h := ts % 86400
		if h < 0 {
			h += 86400
		}
		hours[h/3600]++
	}
	return hours
}

// PeakHour returns the busiest hour, or -1 when every hour is empty. Ties go to the earlier hour.
func PeakHour(hours [24]int64) int {
	peak := -1
	var best int64
	for h, n := range hours {
		if n > best {
			peak, best = h, n
		}
	}
	return peak
}

// ZapSummary describes a distribution of zap amounts in sats
type ZapSummary struct {
	Count  int     `json:"count"`
	Total  int64   `json:"total"`
	Mean   float64 `json:"mean"`
	Median int64   `json:"median"`
	Min    int64   `json:"min"`
	Max    int64   `json:"max"`
	P25    int64   `json:"p25"`
	P75    int64   `json:"p75"`
	P95    int64   `json:"p95"`
}

// ZapStats summarizes amounts. The input slice is not modified.
func ZapStats(amounts []int64) ZapSummary {
	n := len(amounts)
	if n == 0 {
		return ZapSummary{}
	}

	sorted := make([]int64, n)
	copy(sorted, amounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total int64
	for _, a := range sorted {
		total += a
	}

	return ZapSummary{
		Count:  n,
		Total:  total,
		Mean:   Round(float64(total)/float64(n), 2),
		Median: sorted[n/2],
		Min:    sorted[0],
		Max:    sorted[n-1],
		P25:    sorted[percentileIndex(n, 0.25)],
		P75:    sorted[percentileIndex(n, 0.75)],
		P95:    sorted[percentileIndex(n, 0.95)],
	}
}

func percentileIndex(n int, q float64) int {
	i := int(float64(n) * q)
	if i >= n {
		i = n - 1
	}
	return i
}

// Round rounds x to the given number of decimals
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
