package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	ApiEvent               = "api event"
	StressorEvent          = "stressor event"
	CheckerEvent           = "checker event"
	BackgroundManagerEvent = "background manager event"
	StatisticsEvent        = "statistics event"
	ClusterEvent           = "cluster event"
	StateCleanerEvent      = "state cleaner event"
	TimingEvent            = "timing event"
	IoEvent                = "io event"
	HzEvent                = "hazelcast event"
	BoltEvent              = "bolt store event"
	ConfigurationEvent     = "configuration event"
	InternalStateEvent     = "internal state event"
)

type LogProvider struct {
	ClientID uuid.UUID
}

var (
	instances sync.Map
)

func init() {

	log.SetFormatter(&log.JSONFormatter{})

	definedLogLevel := os.Getenv("LOG_LEVEL")

	var logLevel log.Level
	var out io.Writer

	switch strings.ToLower(definedLogLevel) {
	case "trace":
		logLevel = log.TraceLevel
		out = os.Stdout
	case "debug":
		logLevel = log.DebugLevel
		out = os.Stdout
	case "info":
		logLevel = log.InfoLevel
		out = os.Stdout
	case "warn":
		logLevel = log.WarnLevel
		out = os.Stderr
	case "error":
		logLevel = log.ErrorLevel
		out = os.Stderr
	default:
		logLevel = log.InfoLevel
		out = os.Stdout
	}

	log.SetLevel(logLevel)
	log.SetOutput(out)
	log.SetReportCaller(false)

}

// GetLogProviderInstance returns the provider for the given client, creating it on first use.
func GetLogProviderInstance(clientID uuid.UUID) *LogProvider {

	p, _ := instances.LoadOrStore(clientID, &LogProvider{ClientID: clientID})
	return p.(*LogProvider)

}

func (lp *LogProvider) LogIoEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": IoEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogApiEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": ApiEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogTimingEvent(operation string, cacheName string, tookMs int, level log.Level) {

	fields := log.Fields{
		"kind":      TimingEvent,
		"operation": operation,
		"cacheName": cacheName,
		"tookMs":    tookMs,
	}

	lp.doLog(fmt.Sprintf("'%s' took %d ms", operation, tookMs), fields, level)

}

func (lp *LogProvider) LogStressorEvent(msg string, stressorID int, level log.Level) {

	fields := log.Fields{
		"kind":     StressorEvent,
		"stressor": stressorID,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogCheckerEvent(msg string, checkerName string, level log.Level) {

	fields := log.Fields{
		"kind":    CheckerEvent,
		"checker": checkerName,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogBackgroundManagerEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": BackgroundManagerEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogStatisticsEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": StatisticsEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogClusterEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": ClusterEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogStateCleanerEvent(msg string, cacheName string, level log.Level) {

	fields := log.Fields{
		"kind":      StateCleanerEvent,
		"cacheName": cacheName,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogHzEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": HzEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogBoltEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": BoltEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogInternalStateEvent(msg string, level log.Level) {

	fields := log.Fields{
		"kind": InternalStateEvent,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) LogErrUponConfigRetrieval(keyPath string, err error, level log.Level) {

	lp.LogConfigEvent(keyPath, "config file", fmt.Sprintf("encountered error upon attempt to extract config value: %v", err), level)

}

func (lp *LogProvider) LogConfigEvent(configValue string, source string, msg string, level log.Level) {

	fields := log.Fields{
		"kind":   ConfigurationEvent,
		"value":  configValue,
		"source": source,
	}

	lp.doLog(msg, fields, level)

}

func (lp *LogProvider) doLog(msg string, fields log.Fields, level log.Level) {

	fields["caller"] = getCaller()
	fields["client"] = lp.ClientID

	switch level {
	case log.FatalLevel:
		log.WithFields(fields).Fatal(msg)
	case log.ErrorLevel:
		log.WithFields(fields).Error(msg)
	case log.WarnLevel:
		log.WithFields(fields).Warn(msg)
	case log.InfoLevel:
		log.WithFields(fields).Info(msg)
	case log.DebugLevel:
		log.WithFields(fields).Debug(msg)
	default:
		log.WithFields(fields).Trace(msg)
	}

}

func getCaller() string {

	// Skipping three stacks will bring us to the method or function that originally invoked the logging method
	pc, _, _, ok := runtime.Caller(3)

	if !ok {
		return "unknown"
	}

	file, line := runtime.FuncForPC(pc).FileLine(pc)
	return fmt.Sprintf("%s:%d", file, line)

}
