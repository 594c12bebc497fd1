package vm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestCodeBufferAppend(t *testing.T) {
	cb, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	first, err := cb.Append([]byte{0x90, 0x90, 0xC3})
	if err != nil {
		t.Fatal(err)
	}
	if first != cb.Base() {
		t.Errorf("first append at %#x, base %#x", first, cb.Base())
	}
	second, err := cb.Append([]byte{0xC3})
	if err != nil {
		t.Fatal(err)
	}
	if second != first+3 {
		t.Errorf("second append at %#x, want %#x", second, first+3)
	}
	if cb.Used() != 4 {
		t.Errorf("used = %d", cb.Used())
	}
	if !bytes.Equal(cb.Bytes(), []byte{0x90, 0x90, 0xC3, 0xC3}) {
		t.Errorf("content = % x", cb.Bytes())
	}
}

func TestCodeBufferExhaustion(t *testing.T) {
	cb, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	if _, err := cb.Append(make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	_, err = cb.Append([]byte{0xC3})
	if !errors.Is(err, ErrBufferExhausted) {
		t.Errorf("err = %v, want ErrBufferExhausted", err)
	}
	// Earlier content is untouched by the failed write.
	if cb.Used() != 4096 {
		t.Errorf("used = %d after failed append", cb.Used())
	}
}

func TestCodeBufferWriteAt(t *testing.T) {
	cb, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	addr, err := cb.Append([]byte{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	err = cb.WriteAt(addr+1, func(b *CodeBuffer) error {
		_, werr := b.Append([]byte{9, 9})
		return werr
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cb.Bytes(), []byte{1, 9, 9, 4, 5}) {
		t.Errorf("content = % x", cb.Bytes())
	}
	// Cursor restored: the next append continues at the end.
	next, err := cb.Append([]byte{7})
	if err != nil {
		t.Fatal(err)
	}
	if next != addr+5 {
		t.Errorf("append after WriteAt at %#x, want %#x", next, addr+5)
	}
}

func TestCodeBufferWriteAtOutOfRange(t *testing.T) {
	cb, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	err = cb.WriteAt(cb.Base()+100, func(b *CodeBuffer) error { return nil })
	if err == nil {
		t.Error("write past the committed region not rejected")
	}
}

func TestCodeBufferNeverWritableAtRest(t *testing.T) {
	cb, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()
	if _, err := cb.Append([]byte{0xC3}); err != nil {
		t.Fatal(err)
	}

	maps, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		t.Skip("no /proc/self/maps")
	}
	needle := fmt.Sprintf("%x-", cb.Base())
	for _, line := range strings.Split(string(maps), "\n") {
		if strings.HasPrefix(line, needle) {
			if strings.Contains(line, "rwx") {
				t.Errorf("region writable and executable at rest: %s", line)
			}
			if !strings.Contains(line, "r-x") {
				t.Errorf("region not read+execute at rest: %s", line)
			}
			return
		}
	}
	t.Skip("code region not found in maps")
}
