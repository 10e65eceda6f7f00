package trigger

import (
	"fmt"
	"sync"
	"testing"
)

func TestTableMatch(t *testing.T) {
	table := NewTable(map[string]string{
		"!hello":   "sounds/hello.wav",
		"!airhorn": "sounds/airhorn.mp3",
		"gg":       "sounds/gg.mp3",
	})

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"case insensitive", "say !HELLO now", []string{"!hello"}},
		{"multiple", "gg !airhorn", []string{"!airhorn", "gg"}},
		{"substring", "eggs", []string{"gg"}},
		{"none", "nothing here", nil},
		{"empty text", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Match(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("Match(%q) = %v, want phrases %v", tt.text, got, tt.want)
			}
			for i := range got {
				if got[i].Phrase != tt.want[i] {
					t.Errorf("Match(%q)[%d] = %q, want %q", tt.text, i, got[i].Phrase, tt.want[i])
				}
			}
		})
	}
}

func TestEmptyTable(t *testing.T) {
	if got := NewTable(nil).Match("anything"); got != nil {
		t.Errorf("empty table matched %v", got)
	}
	var nilTable *Table
	if got := nilTable.Match("anything"); got != nil {
		t.Errorf("nil table matched %v", got)
	}
}

func TestNewTableSkipsBlank(t *testing.T) {
	table := NewTable(map[string]string{"": "a.mp3", "  ": "b.mp3", "!x": "", "!ok": "ok.mp3"})
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	if table.Map()["!ok"] != "ok.mp3" {
		t.Errorf("Map() = %v", table.Map())
	}
}

func TestNewTableCaseCollision(t *testing.T) {
	table := NewTable(map[string]string{"!Hello": "upper.mp3", "!hello": "lower.mp3"})
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	if got := table.Map()["!hello"]; got != "lower.mp3" {
		t.Errorf("collision resolved to %q, want lower.mp3", got)
	}
}

func TestMatcherModeFirst(t *testing.T) {
	m := NewMatcher(NewTable(map[string]string{"a": "1", "b": "2"}), ModeFirst)
	got := m.Match("a b")
	if len(got) != 1 || got[0].Phrase != "a" {
		t.Errorf("Match() = %v, want only a", got)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeAll, false},
		{"ALL", ModeAll, false},
		{" first ", ModeFirst, false},
		{"random", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// Readers running alongside Replace must see either the old or the new table,
// never a mix of both.
func TestMatcherReplaceAtomic(t *testing.T) {
	oldTable := map[string]string{}
	newTable := map[string]string{}
	for i := 0; i < 50; i++ {
		oldTable[fmt.Sprintf("old%02d", i)] = "old"
		newTable[fmt.Sprintf("new%02d", i)] = "new"
	}
	text := ""
	for i := 0; i < 50; i++ {
		text += fmt.Sprintf("old%02d new%02d ", i, i)
	}

	m := NewMatcher(NewTable(oldTable), ModeAll)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := m.Match(text)
				if len(got) != 50 {
					select {
					case errs <- fmt.Sprintf("saw %d matches", len(got)):
					default:
					}
					return
				}
				first := got[0].ActionID
				for _, g := range got {
					if g.ActionID != first {
						select {
						case errs <- "mixed tables":
						default:
						}
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			m.Replace(NewTable(newTable))
		} else {
			m.Replace(NewTable(oldTable))
		}
	}
	close(stop)
	wg.Wait()
	select {
	case e := <-errs:
		t.Fatal(e)
	default:
	}
}
