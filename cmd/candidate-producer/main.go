package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/leaderboard-sync/internal/kafka"
)

// parseLine reads "player_id[,username[,country_code]]". Blank lines and
// lines starting with # are skipped.
func parseLine(line string) (kafka.CandidateMessage, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return kafka.CandidateMessage{}, false
	}

	fields := strings.Split(line, ",")
	msg := kafka.CandidateMessage{PlayerID: strings.TrimSpace(fields[0])}
	if len(fields) > 1 {
		msg.Username = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		msg.CountryCode = strings.TrimSpace(fields[2])
	}
	return msg, msg.PlayerID != ""
}

// readCandidates collects candidates from the -players flag and, when
// requested, from r one per line
func readCandidates(players string, r io.Reader) ([]kafka.CandidateMessage, error) {
	var out []kafka.CandidateMessage
	for _, entry := range strings.Split(players, ";") {
		if msg, ok := parseLine(entry); ok {
			out = append(out, msg)
		}
	}

	if r == nil {
		return out, nil
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if msg, ok := parseLine(scanner.Text()); ok {
			out = append(out, msg)
		}
	}
	return out, scanner.Err()
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "leaderboard-sync-candidates", "Candidate topic")
	players := flag.String("players", "", "Candidates as id,username[,country] separated by ';'")
	fromStdin := flag.Bool("stdin", false, "Also read one candidate per line from stdin")
	flag.Parse()

	var input io.Reader
	if *fromStdin {
		input = os.Stdin
	}
	candidates, err := readCandidates(*players, input)
	if err != nil {
		log.Fatalf("Failed to read candidates: %v", err)
	}
	if len(candidates) == 0 {
		log.Fatal("No candidates given; use -players or -stdin")
	}

	fmt.Printf("Publishing %d candidates to %s on %s\n", len(candidates), *topic, *brokers)

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	messages := make([]*sarama.ProducerMessage, 0, len(candidates))
	for _, c := range candidates {
		data, err := json.Marshal(c)
		if err != nil {
			log.Printf("Failed to marshal candidate %s: %v", c.PlayerID, err)
			continue
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(c.PlayerID),
			Value: sarama.ByteEncoder(data),
		})
	}

	if err := producer.SendMessages(messages); err != nil {
		var perrs sarama.ProducerErrors
		errors.As(err, &perrs)
		for _, perr := range perrs {
			log.Printf("Producer error: %v", perr.Err)
		}
		log.Fatalf("Sent %d of %d candidates", len(messages)-len(perrs), len(messages))
	}

	fmt.Printf("Sent %d candidates\n", len(messages))
}
