package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/AlanKSorata/site-monitor-log/internal/domain"
)

// Classify maps a transport error to its status and a stable message.
// Timeouts get their own status; everything else below the HTTP layer is
// ERROR with a description of what broke.
func Classify(err error) (domain.Status, string) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return domain.StatusTimeout, "dns lookup timed out"
		}
		return domain.StatusError, "could not resolve host"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.StatusTimeout, "request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.StatusTimeout, "request timed out"
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return domain.StatusError, "connection refused"
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return domain.StatusError, "host unreachable"
	}

	var (
		certErr   *tls.CertificateVerificationError
		recordErr tls.RecordHeaderError
		x509Err   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
	)
	if errors.As(err, &certErr) || errors.As(err, &recordErr) ||
		errors.As(err, &x509Err) || errors.As(err, &hostErr) {
		return domain.StatusError, "tls handshake failed"
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.StatusError, "empty response from server"
	}

	return domain.StatusError, err.Error()
}
