package lsmgo_test

import (
	"fmt"
	"log"
	"os"

	lsmgo "github.com/hupe1980/lsmgo"
)

func Example() {
	dir, err := os.MkdirTemp("", "lsmgo")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := lsmgo.Open(dir, lsmgo.WithLogger(lsmgo.NoopLogger()))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Put([]byte("greeting"), []byte("hello")); err != nil {
		log.Fatal(err)
	}

	b := lsmgo.NewBatch()
	b.Set(lsmgo.DefaultColumnFamily, []byte("a"), []byte("1"))
	b.Set(lsmgo.DefaultColumnFamily, []byte("b"), []byte("2"))
	if err := db.Write(b, lsmgo.WithSync()); err != nil {
		log.Fatal(err)
	}

	value, err := db.Get([]byte("greeting"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(value))
	// Output: hello
}
