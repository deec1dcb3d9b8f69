//go:build windows

package npipe

import (
	"unsafe"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"

	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
)

// securityAttributes holds a self-relative security descriptor built from
// SDDL. The descriptor bytes must outlive every call that uses sa.
type securityAttributes struct {
	sa windows.SecurityAttributes
	sd []byte
}

// newSecurityAttributes translates sddl. An empty string yields nil, which
// means the default ACL.
func newSecurityAttributes(name, sddl string) (*securityAttributes, error) {
	if sddl == "" {
		return nil, nil
	}
	sd, err := winio.SddlToSecurityDescriptor(sddl)
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrPermissionDenied, "security descriptor", name, err)
	}
	s := &securityAttributes{sd: sd}
	s.sa.Length = uint32(unsafe.Sizeof(s.sa))
	s.sa.SecurityDescriptor = (*windows.SECURITY_DESCRIPTOR)(unsafe.Pointer(&s.sd[0]))
	return s, nil
}

func (s *securityAttributes) attributes() *windows.SecurityAttributes {
	if s == nil {
		return nil
	}
	return &s.sa
}
