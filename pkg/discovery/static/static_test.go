package static

import (
    "context"
    "fmt"
    "testing"
)

func TestParse(t *testing.T) {
    cases := []struct {
        in   string
        want string
    }{
        {"", "[]"},
        {"a:1", "[a:1]"},
        {" b:2 , a:1 ", "[a:1 b:2]"},
        {",,a:1, ,a:1,", "[a:1]"},
    }
    for _, c := range cases {
        got, err := Parse(c.in).Seeds(context.Background())
        if err != nil { t.Fatalf("%q: %v", c.in, err) }
        if fmt.Sprint(got) != c.want { t.Fatalf("%q: got %v want %s", c.in, got, c.want) }
    }
}

func TestNew_ReturnsCopies(t *testing.T) {
    d := New(" a:1 ", "", "b:2")
    got, _ := d.Seeds(context.Background())
    got[0] = "x"
    again, _ := d.Seeds(context.Background())
    if again[0] != "a:1" { t.Fatalf("seed list was mutated through a returned slice: %v", again) }
}
