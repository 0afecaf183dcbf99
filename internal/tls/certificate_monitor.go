package tls

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ExpiryStatus classifies how close a certificate is to its expiry.
type ExpiryStatus string

const (
	StatusOK       ExpiryStatus = "OK"
	StatusWarning  ExpiryStatus = "WARNING"
	StatusCritical ExpiryStatus = "CRITICAL"
	StatusExpired  ExpiryStatus = "EXPIRED"
	StatusInvalid  ExpiryStatus = "INVALID"
)

// Expiry thresholds in days.
const (
	WarningDays  = 30
	CriticalDays = 7
)

// MonitoredCertificate is one certificate to watch, identified by Name in
// logs and metrics.
type MonitoredCertificate struct {
	Name           string
	CertificatePEM string
}

// CertificateSource lists the certificates to check. It is called on every
// check so that registry changes are picked up.
type CertificateSource func() []MonitoredCertificate

// CertificateStatus represents the status of a certificate
type CertificateStatus struct {
	Name            string
	Subject         string
	Issuer          string
	NotBefore       time.Time
	NotAfter        time.Time
	DaysUntilExpiry int
	Status          ExpiryStatus
	Err             error
	LastChecked     time.Time
}

// CheckCertificate parses cert and classifies its remaining lifetime at now.
func CheckCertificate(cert MonitoredCertificate, now time.Time) CertificateStatus {
	status := CertificateStatus{Name: cert.Name, LastChecked: now}

	parsed, err := ParseCertificatePEM([]byte(cert.CertificatePEM))
	if err != nil {
		status.Status = StatusInvalid
		status.Err = err
		return status
	}

	status.Subject = parsed.Subject.CommonName
	status.Issuer = parsed.Issuer.CommonName
	status.NotBefore = parsed.NotBefore
	status.NotAfter = parsed.NotAfter
	status.DaysUntilExpiry = int(parsed.NotAfter.Sub(now).Hours() / 24)

	switch {
	case !now.Before(parsed.NotAfter):
		status.Status = StatusExpired
	case status.DaysUntilExpiry <= CriticalDays:
		status.Status = StatusCritical
	case status.DaysUntilExpiry <= WarningDays:
		status.Status = StatusWarning
	default:
		status.Status = StatusOK
	}
	return status
}

// CertificateMonitor periodically checks registered certificates and warns
// before they expire. Warnings for the same certificate are issued at most
// once a day.
type CertificateMonitor struct {
	source           CertificateSource
	metricsCollector *TLSMetricsCollector
	logger           *slog.Logger
	now              func() time.Time

	checkInterval time.Duration

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	lastWarnings map[string]time.Time
}

// NewCertificateMonitor creates a new certificate monitor
func NewCertificateMonitor(source CertificateSource, metricsCollector *TLSMetricsCollector, logger *slog.Logger) *CertificateMonitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &CertificateMonitor{
		source:           source,
		metricsCollector: metricsCollector,
		logger:           logger.With("component", "certificate_monitor"),
		now:              time.Now,
		checkInterval:    time.Hour,
		lastWarnings:     make(map[string]time.Time),
	}
}

// SetCheckInterval sets the interval for certificate checks
func (m *CertificateMonitor) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.checkInterval = interval
	}
}

// Start checks all certificates immediately and then every check interval
// until ctx is cancelled or Stop is called.
func (m *CertificateMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.logger.Info("Starting certificate monitor",
		"check_interval", m.checkInterval,
		"warning_days", WarningDays,
		"critical_days", CriticalDays)

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.monitorLoop(ctx, m.checkInterval, m.stopChan)

	return nil
}

// Stop stops certificate monitoring
func (m *CertificateMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	close(m.stopChan)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Certificate monitor stopped")
	return nil
}

func (m *CertificateMonitor) monitorLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer m.wg.Done()

	m.CheckAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll checks every certificate of the source, issues due warnings and
// returns the statuses ordered by name.
func (m *CertificateMonitor) CheckAll(ctx context.Context) []CertificateStatus {
	now := m.now()
	var statuses []CertificateStatus
	counts := make(map[ExpiryStatus]int)

	for _, cert := range m.source() {
		status := CheckCertificate(cert, now)
		statuses = append(statuses, status)
		counts[status.Status]++

		if status.Status != StatusInvalid {
			m.metricsCollector.RecordCertificateExpiry(ctx, status.Name, status.NotAfter.Sub(now))
		}
		m.checkAndIssueWarning(ctx, status, now)
	}

	slices.SortFunc(statuses, func(a, b CertificateStatus) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	m.logger.Debug("Certificate health check completed",
		"checked_count", len(statuses),
		"warning_count", counts[StatusWarning],
		"critical_count", counts[StatusCritical],
		"expired_count", counts[StatusExpired],
		"invalid_count", counts[StatusInvalid])
	return statuses
}

func (m *CertificateMonitor) checkAndIssueWarning(ctx context.Context, status CertificateStatus, now time.Time) {
	if status.Status == StatusOK {
		return
	}

	m.mu.Lock()
	lastWarning, exists := m.lastWarnings[status.Name]
	if exists && now.Sub(lastWarning) < 24*time.Hour {
		m.mu.Unlock()
		return
	}
	m.lastWarnings[status.Name] = now
	m.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("certificate", status.Name),
		slog.String("subject", status.Subject),
		slog.String("issuer", status.Issuer),
		slog.Time("expires_on", status.NotAfter),
		slog.Int("days_remaining", status.DaysUntilExpiry),
		slog.String("status", string(status.Status)),
	}

	switch status.Status {
	case StatusInvalid:
		m.logger.LogAttrs(ctx, slog.LevelError, "Registered certificate cannot be parsed",
			slog.String("certificate", status.Name), slog.Any("error", status.Err))
	case StatusExpired:
		m.logger.LogAttrs(ctx, slog.LevelError,
			"Certificate expired, the site must register again", attrs...)
	case StatusCritical:
		m.logger.LogAttrs(ctx, slog.LevelError, "Certificate expires very soon", attrs...)
	case StatusWarning:
		m.logger.LogAttrs(ctx, slog.LevelWarn, "Certificate expires soon", attrs...)
	}
}
