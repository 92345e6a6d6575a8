package sigma

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/vsm-recorder/vslq"
)

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir   string
	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
}

// Match represents a transaction that matched a Sigma rule
type Match struct {
	VXID         uint32                 `json:"vxid"`
	RuleID       string                 `json:"rule_id"`
	RuleName     string                 `json:"rule_name"`
	Severity     string                 `json:"severity"`
	URL          string                 `json:"url"`
	MatchDetails []string               `json:"match_details"`
	Event        map[string]interface{} `json:"event"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Helper function to create hardcoded config. Every event field maps to
// itself, plus the webserver taxonomy names used by public rule sets.
func createHardcodedConfig() sigma.Config {
	mappings := map[string]sigma.FieldMapping{}
	for _, f := range []string{
		"ReqMethod", "ReqURL", "ReqProtocol", "ReqHeader", "RespStatus", "RespReason",
		"BereqMethod", "BereqURL", "BerespStatus", "VCL_call", "VCL_return",
		"UserAgent", "Host", "Referer", "ClientIP", "Type", "Reason", "VXID",
	} {
		mappings[f] = sigma.FieldMapping{TargetNames: []string{f}}
	}
	for alias, target := range map[string]string{
		"c-uri":       "ReqURL",
		"cs-method":   "ReqMethod",
		"cs-version":  "ReqProtocol",
		"sc-status":   "RespStatus",
		"c-useragent": "UserAgent",
		"cs-host":     "Host",
		"cs-referer":  "Referer",
		"c-ip":        "ClientIP",
	} {
		mappings[alias] = sigma.FieldMapping{TargetNames: []string{target}}
	}

	return sigma.Config{
		Title:         "VSM Recorder Config",
		FieldMappings: mappings,
	}
}

// NewDetector creates a detector over rulesDir/enabled_rules
func NewDetector(rulesDir string) (*Detector, error) {
	// Create watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	disabledDir := filepath.Join(rulesDir, "disabled_rules")

	for _, dir := range []string{enabledDir, disabledDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	// changes in disabled_rules don't matter
	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return detector, nil
}

// Watch reloads the rules whenever a rule file in enabled_rules changes.
// It returns when ctx is done or the detector is closed.
func (sd *Detector) Watch(ctx context.Context) error {
	log.Printf("Watching directory for changes: %s", filepath.Join(sd.RulesDir, "enabled_rules"))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-sd.watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("Detected rule change: %s (%s)", event.Name, event.Op)
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("File watcher error: %v", err)

		case <-sd.reloadChan:
			if err := sd.LoadRules(); err != nil {
				log.Printf("Error reloading rules: %v", err)
			}
		}
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// ReloadRules schedules a reload on the Watch loop
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
		// Channel already has a reload signal pending
	}
}

// LoadRules replaces the loaded rules with the rule files in enabled_rules.
// Files that fail to parse are skipped with a warning.
func (sd *Detector) LoadRules() error {
	enabledDir := filepath.Join(sd.RulesDir, "enabled_rules")

	files, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(enabledDir, file.Name())
		ev, err := loadRuleFile(filePath)
		if err != nil {
			log.Printf("Warning: Failed to load rule file %s: %v", filePath, err)
			continue
		}
		evaluators[ev.Rule.ID] = ev
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	log.Printf("Loaded %d Sigma rules from %s", len(evaluators), enabledDir)
	return nil
}

// LoadRuleFile loads a single rule file in addition to the current rules
func (sd *Detector) LoadRuleFile(filePath string) error {
	ev, err := loadRuleFile(filePath)
	if err != nil {
		return err
	}
	sd.mu.Lock()
	sd.evaluators[ev.Rule.ID] = ev
	sd.mu.Unlock()
	return nil
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	// Aggregations are not supported, transactions are checked one at a time.
	options := []evaluator.Option{
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	log.Printf("Loaded rule: %s (%s)", rule.Title, rule.ID)
	return evaluator.ForRule(rule, options...), nil
}

// RuleCount returns the number of loaded rules
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// Check evaluates a transaction against every loaded rule
func (sd *Detector) Check(ctx context.Context, snap vslq.Snapshot) []Match {
	sd.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(sd.evaluators))
	for _, ev := range sd.evaluators {
		evaluators = append(evaluators, ev)
	}
	sd.mu.RUnlock()
	sort.Slice(evaluators, func(i, j int) bool { return evaluators[i].Rule.ID < evaluators[j].Rule.ID })

	event := Event(snap)
	var matches []Match

	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			log.Printf("Error evaluating transaction %d against rule %s: %v", snap.VXID, ruleEvaluator.Rule.ID, err)
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		sort.Strings(matchConditions)

		severity := ruleEvaluator.Rule.Level
		if severity == "" {
			severity = "medium"
		}
		url, _ := event["ReqURL"].(string)
		if url == "" {
			url, _ = event["BereqURL"].(string)
		}

		matches = append(matches, Match{
			VXID:     snap.VXID,
			RuleID:   ruleEvaluator.Rule.ID,
			RuleName: ruleEvaluator.Rule.Title,
			Severity: severity,
			URL:      url,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
			Event:     event,
			Timestamp: time.Now(),
		})
		log.Printf("Transaction %d matched rule %s with conditions %s", snap.VXID, ruleEvaluator.Rule.ID, strings.Join(matchConditions, ", "))
	}

	return matches
}

// Event flattens a transaction into the field map rules are evaluated on.
// Each tag contributes the payload of its first record, header tags
// contribute all of their records joined by newlines.
func Event(snap vslq.Snapshot) map[string]interface{} {
	event := map[string]interface{}{
		"VXID":   int64(snap.VXID),
		"Parent": int64(snap.Parent),
		"Type":   snap.Type.String(),
		"Reason": snap.Reason.String(),
	}

	headers := map[string][]string{}
	for _, e := range snap.Records {
		if strings.HasSuffix(e.TagName, "Header") {
			headers[e.TagName] = append(headers[e.TagName], e.Payload)
			continue
		}
		if _, seen := event[e.TagName]; !seen {
			event[e.TagName] = e.Payload
		}
	}
	for name, values := range headers {
		event[name] = strings.Join(values, "\n")
	}

	for _, h := range headers["ReqHeader"] {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "user-agent":
			event["UserAgent"] = value
		case "host":
			event["Host"] = value
		case "referer":
			event["Referer"] = value
		}
	}

	if start, ok := event["ReqStart"].(string); ok {
		if fields := strings.Fields(start); len(fields) > 0 {
			event["ClientIP"] = fields[0]
		}
	}

	return event
}

// Close stops watching the rules directory
func (sd *Detector) Close() error {
	return sd.watcher.Close()
}
