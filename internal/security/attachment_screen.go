package security

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
)

// AttachmentScreen 外发附件检查器。
//
// 在交给通道之前拦截明显危险的附件：可执行文件扩展名、
// 可执行文件魔数、超出上限的单附件体积。入站邮件不做拦截，
// 原样入库由消费方自行处置。
type AttachmentScreen struct {
	maxSize              int64
	dangerousExtensions  map[string]bool
	executableSignatures [][]byte
}

// DefaultMaxAttachmentSize 单附件体积上限。
const DefaultMaxAttachmentSize = 25 * 1024 * 1024

// NewAttachmentScreen 创建附件检查器。
func NewAttachmentScreen() *AttachmentScreen {
	return &AttachmentScreen{
		maxSize: DefaultMaxAttachmentSize,
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".jar": true,
			".msi": true,
			".ps1": true,
		},
		executableSignatures: [][]byte{
			{0x4D, 0x5A},             // PE
			{0x7F, 0x45, 0x4C, 0x46}, // ELF
			{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O 32
			{0xFE, 0xED, 0xFA, 0xCF}, // Mach-O 64
			{0xCF, 0xFA, 0xED, 0xFE}, // Mach-O 64 little-endian
		},
	}
}

// Check 检查单个附件，拒绝时返回原因。
func (s *AttachmentScreen) Check(filename string, content []byte) (bool, string) {
	ext := strings.ToLower(filepath.Ext(filename))
	if s.dangerousExtensions[ext] {
		return false, fmt.Sprintf("dangerous file extension %s", ext)
	}

	if int64(len(content)) > s.maxSize {
		return false, fmt.Sprintf("attachment exceeds %d bytes", s.maxSize)
	}

	for _, sig := range s.executableSignatures {
		if bytes.HasPrefix(content, sig) {
			return false, "executable file content"
		}
	}

	return true, ""
}
